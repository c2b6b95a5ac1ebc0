// Package compression provides optional whole-chunk compression applied
// before encryption. Compression never touches the fingerprint, which is
// always computed over the plaintext before this package sees it; a
// chunk is stored compressed only when doing so actually shrinks it.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Metadata keys recorded on a chunk when compression was applied.
const (
	MetaCompressionEnabled   = "enigma-compression-enabled"
	MetaCompressionAlgorithm = "enigma-compression-algorithm"
)

// Algorithm names a supported compressor.
type Algorithm string

const (
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmNone Algorithm = "none"
)

// Engine decides whether a chunk should be compressed and performs the
// compress/decompress round trip.
type Engine interface {
	// ShouldCompress reports whether a chunk of the given size and
	// (optional) content type is a candidate for compression.
	ShouldCompress(size int64, contentType string) bool

	// Compress compresses r. It returns the compressed reader, metadata
	// describing the outcome, and an error. If compression would not
	// shrink the data, callers should fall back to storing the original
	// bytes uncompressed; Compress itself always returns the compressed
	// form when invoked, leaving the size comparison to the caller
	// (see CompressChunk, which applies the size_compressed ≥
	// size_plain rule from the manifest contract).
	Compress(r io.Reader, contentType string, size int64) (io.Reader, map[string]string, error)

	// Decompress reverses Compress using the metadata recorded for the chunk.
	Decompress(r io.Reader, meta map[string]string) (io.Reader, error)
}

type engine struct {
	enabled           bool
	minSize           int64
	compressibleTypes map[string]struct{}
	algorithm         Algorithm
	level             zstd.EncoderLevel
}

// NewEngine constructs a compression Engine. level is a zstd compression
// level in the conventional 1-22 range (the configuration surface spec'd
// for this engine); it is clamped to the levels zstd.EncoderLevel
// actually supports (speed/default/better/best). algorithm must name a
// supported Algorithm; zstd is the only one this engine implements, and
// none disables compression for every chunk regardless of size/type.
func NewEngine(enabled bool, minSize int64, compressibleTypes []string, algorithm string, level int) (Engine, error) {
	alg := Algorithm(algorithm)
	switch alg {
	case AlgorithmZstd, AlgorithmNone:
	default:
		return nil, fmt.Errorf("compression: unsupported algorithm %q", algorithm)
	}

	set := make(map[string]struct{}, len(compressibleTypes))
	for _, t := range compressibleTypes {
		set[t] = struct{}{}
	}
	return &engine{
		enabled:           enabled && alg != AlgorithmNone,
		minSize:           minSize,
		compressibleTypes: set,
		algorithm:         alg,
		level:             levelFromInt(level),
	}, nil
}

func levelFromInt(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (e *engine) ShouldCompress(size int64, contentType string) bool {
	if !e.enabled {
		return false
	}
	if size < e.minSize {
		return false
	}
	if len(e.compressibleTypes) == 0 {
		return true
	}
	_, ok := e.compressibleTypes[contentType]
	return ok
}

func (e *engine) Compress(r io.Reader, contentType string, size int64) (io.Reader, map[string]string, error) {
	if e.algorithm != AlgorithmZstd {
		return nil, nil, fmt.Errorf("compression: algorithm %q has no encoder", e.algorithm)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(e.level))
	if err != nil {
		return nil, nil, fmt.Errorf("compression: new encoder: %w", err)
	}
	defer enc.Close()

	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("compression: read plaintext: %w", err)
	}

	compressed := enc.EncodeAll(plain, nil)

	meta := map[string]string{
		MetaCompressionEnabled:   "true",
		MetaCompressionAlgorithm: string(e.algorithm),
	}
	return bytes.NewReader(compressed), meta, nil
}

func (e *engine) Decompress(r io.Reader, meta map[string]string) (io.Reader, error) {
	if meta[MetaCompressionEnabled] != "true" {
		return r, nil
	}
	if alg := meta[MetaCompressionAlgorithm]; alg != string(AlgorithmZstd) {
		return nil, fmt.Errorf("compression: algorithm %q has no decoder", alg)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("compression: new decoder: %w", err)
	}

	out, err := io.ReadAll(dec)
	dec.Close()
	if err != nil {
		return nil, fmt.Errorf("compression: decode: %w", err)
	}
	return bytes.NewReader(out), nil
}

// CompressChunk applies the manifest contract from §4.3: compress
// plaintext whole-chunk; if the compressed form is not strictly smaller,
// the caller must store the original bytes and record no
// size_compressed. The returned bool reports whether compression was
// actually applied.
func CompressChunk(e Engine, plaintext []byte, contentType string) (stored []byte, compressed bool, err error) {
	if !e.ShouldCompress(int64(len(plaintext)), contentType) {
		return plaintext, false, nil
	}

	r, _, err := e.Compress(bytes.NewReader(plaintext), contentType, int64(len(plaintext)))
	if err != nil {
		return nil, false, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("compression: read compressed output: %w", err)
	}

	if len(out) >= len(plaintext) {
		return plaintext, false, nil
	}
	return out, true, nil
}
