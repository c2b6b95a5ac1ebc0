package distributor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCloudProviderFillsWasabiDefaults(t *testing.T) {
	endpoint, region, pathStyle, err := ResolveCloudProvider("", "", false, "wasabi")
	require.NoError(t, err)
	require.Equal(t, "https://s3.wasabisys.com", endpoint)
	require.Equal(t, "us-east-1", region)
	require.False(t, pathStyle)
}

func TestResolveCloudProviderUsesEndpointTemplateWithRegion(t *testing.T) {
	endpoint, region, _, err := ResolveCloudProvider("", "fra1", false, "backblaze")
	require.NoError(t, err)
	require.Equal(t, "https://s3.fra1.backblazeb2.com", endpoint)
	require.Equal(t, "fra1", region)
}

func TestResolveCloudProviderLeavesExplicitValuesAlone(t *testing.T) {
	endpoint, region, pathStyle, err := ResolveCloudProvider("https://custom.example.com", "custom-region", true, "minio")
	require.NoError(t, err)
	require.Equal(t, "https://custom.example.com", endpoint)
	require.Equal(t, "custom-region", region)
	require.True(t, pathStyle)
}

func TestResolveCloudProviderRejectsUnknownVendor(t *testing.T) {
	_, _, _, err := ResolveCloudProvider("", "", false, "not-a-real-vendor")
	require.Error(t, err)
}

func TestResolveCloudProviderPassesThroughWhenUnset(t *testing.T) {
	endpoint, region, pathStyle, err := ResolveCloudProvider("https://example.com", "eu", false, "")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", endpoint)
	require.Equal(t, "eu", region)
	require.False(t, pathStyle)
}
