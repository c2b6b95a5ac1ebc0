package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// flagSet is an alias so every subcommand's flag wiring reads the same
// regardless of which package stdlib's flag type actually lives in.
type flagSet = flag.FlagSet

func newFlagSet(name string) *flagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

// stringSliceFlag collects repeated occurrences of a flag, the way a
// single-value flag can't but a multi-provider CLI needs.
type stringSliceFlag struct {
	values []string
}

func (s *stringSliceFlag) String() string { return strings.Join(s.values, ",") }

func (s *stringSliceFlag) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

var _ flag.Value = (*stringSliceFlag)(nil)

func randRead(b []byte) (int, error) {
	return rand.Read(b)
}

// strategyMetadata records the chunk strategy chosen at init time so
// every later command chunks identically without needing to repeat the
// flags. It is plaintext (not secret) and lives alongside, not inside,
// the sealed keystore.
type strategyMetadata struct {
	cdcTarget uint64
	fixed     bool
	fixedSize uint64
}

type strategyMetaJSON struct {
	CdcTarget uint64 `json:"cdc_target_size"`
	Fixed     bool   `json:"fixed"`
	FixedSize uint64 `json:"fixed_size"`
}

func strategyMetaPath(dataDir string) string {
	return filepath.Join(dataDir, "chunk_strategy.json")
}

func writeStrategyMeta(dataDir string, m strategyMetadata) error {
	data, err := json.Marshal(strategyMetaJSON{CdcTarget: m.cdcTarget, Fixed: m.fixed, FixedSize: m.fixedSize})
	if err != nil {
		return err
	}
	return os.WriteFile(strategyMetaPath(dataDir), data, 0o600)
}

func readStrategyMeta(dataDir string) (strategyMetadata, error) {
	data, err := os.ReadFile(strategyMetaPath(dataDir))
	if err != nil {
		return strategyMetadata{}, err
	}
	var m strategyMetaJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return strategyMetadata{}, fmt.Errorf("corrupt chunk strategy metadata: %w", err)
	}
	return strategyMetadata{cdcTarget: m.CdcTarget, fixed: m.Fixed, fixedSize: m.FixedSize}, nil
}

func encodeCredential(sealed []byte) string {
	return base64.StdEncoding.EncodeToString(sealed)
}

func decodeCredential(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
