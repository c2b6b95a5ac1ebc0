package distributor

import (
	"fmt"
	"strings"
)

// cloudProviderDefault is one known S3-compatible vendor's connection
// defaults, adapted from the teacher's internal/s3/providers.go
// KnownProviders registry — the same field shape, generalized from a
// standalone lookup table into a defaulting step ResolveCloudProvider
// runs before NewS3Provider ever builds an aws-sdk-go-v2 client.
type cloudProviderDefault struct {
	defaultEndpoint  string
	endpointTemplate string // formatted with region when set
	requiresRegion   bool
	requiresPathStyle bool
	defaultRegion    string
}

// knownCloudProviders covers the vendors the spec's multi-cloud
// distributor is meant to span: AWS itself plus the S3-compatible
// object stores a backup engine commonly targets.
var knownCloudProviders = map[string]cloudProviderDefault{
	"aws": {
		defaultEndpoint: "https://s3.amazonaws.com",
		requiresRegion:  true,
		defaultRegion:   "us-east-1",
	},
	"minio": {
		defaultEndpoint:   "http://localhost:9000",
		requiresPathStyle: true,
		defaultRegion:     "us-east-1",
	},
	"wasabi": {
		defaultEndpoint: "https://s3.wasabisys.com",
		requiresRegion:  true,
		defaultRegion:   "us-east-1",
	},
	"backblaze": {
		defaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		endpointTemplate:  "https://s3.%s.backblazeb2.com",
		requiresRegion:    true,
		requiresPathStyle: true,
		defaultRegion:     "us-west-000",
	},
	"cloudflare": {
		defaultEndpoint: "https://<account-id>.r2.cloudflarestorage.com",
		defaultRegion:   "auto",
	},
	"digitalocean": {
		defaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		endpointTemplate: "https://%s.digitaloceanspaces.com",
		requiresRegion:   true,
		defaultRegion:    "nyc3",
	},
	"scaleway": {
		defaultEndpoint:  "https://s3.fr-par.scw.cloud",
		endpointTemplate: "https://s3.%s.scw.cloud",
		requiresRegion:   true,
		defaultRegion:    "fr-par",
	},
}

// ResolveCloudProvider fills in endpoint/region/path-style for a
// [[providers]] entry naming a known vendor (pc.CloudProvider), leaving
// any value the operator already set untouched. Entries with no
// CloudProvider set (plain "S3" against an arbitrary endpoint) pass
// through unchanged.
func ResolveCloudProvider(endpoint, region string, pathStyle bool, vendor string) (resolvedEndpoint, resolvedRegion string, resolvedPathStyle bool, err error) {
	if vendor == "" {
		return endpoint, region, pathStyle, nil
	}
	d, ok := knownCloudProviders[strings.ToLower(vendor)]
	if !ok {
		return "", "", false, fmt.Errorf("distributor: unknown cloud_provider %q", vendor)
	}

	if endpoint == "" {
		if d.endpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(d.endpointTemplate, region)
		} else {
			endpoint = d.defaultEndpoint
		}
	}
	if region == "" {
		region = d.defaultRegion
	}
	if d.requiresRegion && region == "" {
		return "", "", false, fmt.Errorf("distributor: cloud_provider %q requires a region", vendor)
	}
	return endpoint, region, pathStyle || d.requiresPathStyle, nil
}
