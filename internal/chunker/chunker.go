// Package chunker splits a byte stream into content-defined or
// fixed-size chunks. The content-defined strategy wraps
// github.com/restic/chunker with a fixed Rabin polynomial so that chunk
// boundaries are reproducible given identical input bytes, regardless
// of which node performs the chunking.
package chunker

import (
	"bufio"
	"fmt"
	"io"
)

// Chunk is a single (offset, plaintext) pair emitted by a Chunker.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Chunker splits a stream into an ordered, gap-free, non-overlapping
// sequence of chunks covering [0, stream_len). The empty stream yields
// zero chunks. A Chunker holds no state across streams: Split may be
// called repeatedly with independent readers.
type Chunker interface {
	Split(r io.Reader) (<-chan Chunk, <-chan error)
}

// Strategy selects which chunking algorithm New constructs.
type Strategy string

const (
	StrategyCDC   Strategy = "cdc"
	StrategyFixed Strategy = "fixed"
)

// Config configures chunk size targets. For CDC, TargetSize is the
// expected average chunk size; Min and Max default to TargetSize/4 and
// TargetSize*4 when zero. For Fixed, Size is the exact chunk length.
type Config struct {
	Strategy   Strategy
	TargetSize uint64
	Min        uint64
	Max        uint64
	Size       uint64

	// Polynomial is the Rabin irreducible polynomial used by the CDC
	// rolling hash. It MUST be generated once per keystore (not per
	// backup, not per node) and stored alongside the keystore so every
	// participant chunks identically. Zero selects a built-in default,
	// which is fine for a single-keystore deployment but not portable
	// across independently-generated keystores.
	Polynomial uint64
}

// New constructs a Chunker from cfg.
func New(cfg Config) (Chunker, error) {
	switch cfg.Strategy {
	case StrategyCDC:
		target := cfg.TargetSize
		if target == 0 {
			target = 1 << 20 // 1 MiB
		}
		min := cfg.Min
		if min == 0 {
			min = target / 4
		}
		max := cfg.Max
		if max == 0 {
			max = target * 4
		}
		pol := cfg.Polynomial
		if pol == 0 {
			pol = uint64(defaultPolynomial)
		}
		return &cdcChunker{min: min, max: max, target: target, pol: pol}, nil
	case StrategyFixed:
		if cfg.Size == 0 {
			return nil, fmt.Errorf("chunker: fixed strategy requires a non-zero size")
		}
		return &fixedChunker{size: cfg.Size}, nil
	default:
		return nil, fmt.Errorf("chunker: unknown strategy %q", cfg.Strategy)
	}
}

// fixedChunker emits non-overlapping blocks of exactly size bytes; the
// final block may be shorter.
type fixedChunker struct {
	size uint64
}

func (f *fixedChunker) Split(r io.Reader) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		br := bufio.NewReaderSize(r, int(f.size))
		var offset int64
		buf := make([]byte, f.size)
		for {
			n, err := io.ReadFull(br, buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				out <- Chunk{Offset: offset, Data: data}
				offset += int64(n)
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				errc <- fmt.Errorf("chunker: fixed read: %w", err)
				return
			}
		}
	}()

	return out, errc
}
