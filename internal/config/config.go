// Package config holds the plain configuration structs the engine's
// components are constructed from. Loading these structs from TOML (or
// any other source) is an external collaborator's job (see spec §1/§6):
// this package only declares the shape, so a loader, a test, or a CLI
// flag parser can populate a Config and hand it to the core.
package config

import "time"

// Config is the root configuration for an enigma deployment, combining
// the backup-engine core ([enigma] in the TOML surface) with the
// encryption-gateway ambient fields the HTTP front end and its tests
// have always carried.
type Config struct {
	// Core engine settings ([enigma]).
	DBPath       string              `toml:"db_path" json:"db_path"`
	KeyProvider  string              `toml:"key_provider" json:"key_provider"`
	KeyfilePath  string              `toml:"keyfile_path" json:"keyfile_path"`
	Distribution string              `toml:"distribution" json:"distribution"`
	ChunkStrategy ChunkStrategyConfig `toml:"chunk_strategy" json:"chunk_strategy"`
	Compression  CompressionConfig   `toml:"compression" json:"compression"`
	Providers    []ProviderConfig    `toml:"providers" json:"providers"`
	S3Proxy      S3ProxyConfig       `toml:"s3_proxy" json:"s3_proxy"`
	Raft         RaftConfig          `toml:"raft" json:"raft"`
	Audit        AuditConfig         `toml:"audit" json:"audit"`

	// Ambient/gateway fields, carried from the teacher's own Config.
	ListenAddr string           `toml:"listen_addr" json:"listen_addr"`
	LogLevel   string           `toml:"log_level" json:"log_level"`
	Encryption EncryptionConfig `toml:"encryption" json:"encryption"`
	Backend    BackendConfig    `toml:"backend" json:"backend"`
}

// ChunkStrategyConfig selects exactly one of Cdc or Fixed (spec §6:
// "exactly one"). Validate enforces that at load time.
type ChunkStrategyConfig struct {
	Cdc   *CdcConfig   `toml:"Cdc,omitempty" json:"cdc,omitempty"`
	Fixed *FixedConfig `toml:"Fixed,omitempty" json:"fixed,omitempty"`
}

// CdcConfig configures the content-defined chunking strategy.
type CdcConfig struct {
	TargetSize uint64 `toml:"target_size" json:"target_size"`
}

// FixedConfig configures the fixed-size chunking strategy.
type FixedConfig struct {
	Size uint64 `toml:"size" json:"size"`
}

// Validate enforces the "exactly one" chunk strategy contract from spec §6.
func (c ChunkStrategyConfig) Validate() error {
	if (c.Cdc == nil) == (c.Fixed == nil) {
		return errConfigInvalid("chunk_strategy: exactly one of Cdc or Fixed must be set")
	}
	return nil
}

// CompressionConfig configures C3.
type CompressionConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	Level   int  `toml:"level" json:"level"`
}

// ProviderConfig describes one distributor backend ([[providers]]).
type ProviderConfig struct {
	Name          string `toml:"name" json:"name"`
	Type          string `toml:"type" json:"type"` // Local, S3, S3Compatible, Azure, Gcs
	Bucket        string `toml:"bucket" json:"bucket"`
	Region        string `toml:"region,omitempty" json:"region,omitempty"`
	Endpoint      string `toml:"endpoint_url,omitempty" json:"endpoint_url,omitempty"`
	PathStyle     bool   `toml:"path_style,omitempty" json:"path_style,omitempty"`
	AccessKey     string `toml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey     string `toml:"secret_key,omitempty" json:"secret_key,omitempty"`
	Weight        int    `toml:"weight" json:"weight"`
	// CloudProvider names a known S3-compatible vendor (e.g. "wasabi",
	// "backblaze", "digitalocean") for a Type: S3Compatible entry, so
	// Endpoint/Region/PathStyle can default from
	// distributor.ResolveCloudProvider instead of being spelled out.
	CloudProvider string `toml:"cloud_provider,omitempty" json:"cloud_provider,omitempty"`
}

// S3ProxyConfig configures the out-of-core S3 front end, present only
// as structure per spec §1/§6.
type S3ProxyConfig struct {
	ListenAddr       string `toml:"listen_addr" json:"listen_addr"`
	DefaultNamespace string `toml:"default_namespace" json:"default_namespace"`
}

// RaftConfig configures C8's consensus layer.
type RaftConfig struct {
	NodeID           string        `toml:"node_id" json:"node_id"`
	BindAddr         string        `toml:"bind_addr" json:"bind_addr"`
	DataDir          string        `toml:"data_dir" json:"data_dir"`
	Bootstrap        bool          `toml:"bootstrap" json:"bootstrap"`
	Peers            []string      `toml:"peers" json:"peers"`
	SnapshotInterval time.Duration `toml:"snapshot_interval" json:"snapshot_interval"`
	SnapshotThreshold uint64       `toml:"snapshot_threshold" json:"snapshot_threshold"`
	ElectionTimeout  time.Duration `toml:"election_timeout" json:"election_timeout"`
}

// AuditConfig configures internal/audit's logger.
type AuditConfig struct {
	Enabled             bool       `toml:"enabled" json:"enabled"`
	Sink                SinkConfig `toml:"sink" json:"sink"`
	MaxEvents           int        `toml:"max_events" json:"max_events"`
	RedactMetadataKeys  []string   `toml:"redact_metadata_keys" json:"redact_metadata_keys"`
}

// SinkConfig configures where audit events are written.
type SinkConfig struct {
	Type          string            `toml:"type" json:"type"` // stdout, file, http
	Endpoint      string            `toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	FilePath      string            `toml:"file_path,omitempty" json:"file_path,omitempty"`
	Headers       map[string]string `toml:"headers,omitempty" json:"headers,omitempty"`
	BatchSize     int               `toml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration     `toml:"flush_interval" json:"flush_interval"`
	RetryCount    int               `toml:"retry_count" json:"retry_count"`
	RetryBackoff  time.Duration     `toml:"retry_backoff" json:"retry_backoff"`
}

// HardwareConfig toggles CPU-specific AES acceleration paths.
type HardwareConfig struct {
	EnableAESNI    bool `toml:"enable_aes_ni" json:"enable_aes_ni"`
	EnableARMv8AES bool `toml:"enable_armv8_aes" json:"enable_armv8_aes"`
}

// EncryptionConfig groups the passphrase/keyfile and hardware settings
// for C4.
type EncryptionConfig struct {
	KeyFile  string         `toml:"key_file,omitempty" json:"key_file,omitempty"`
	Password string         `toml:"password,omitempty" json:"password,omitempty"`
	Hardware HardwareConfig `toml:"hardware" json:"hardware"`
}

// BackendConfig describes the single legacy whole-object S3 backend the
// gateway front end talks to (kept for the gateway's own tests; the
// backup engine's multi-provider surface is ProviderConfig/Providers).
type BackendConfig struct {
	Provider     string `toml:"provider" json:"provider"`
	Endpoint     string `toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Region       string `toml:"region" json:"region"`
	AccessKey    string `toml:"access_key" json:"access_key"`
	SecretKey    string `toml:"secret_key" json:"secret_key"`
	UsePathStyle bool   `toml:"use_path_style" json:"use_path_style"`
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfigInvalid(msg string) error { return configError("config: " + msg) }
