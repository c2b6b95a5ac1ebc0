package chunker

import (
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"
)

// defaultPolynomial is used when a keystore has not yet generated its
// own Rabin polynomial. Production deployments should call
// GeneratePolynomial once per keystore and persist the result; reusing
// this constant across independently-generated keystores is fine for
// a single-node or single-keystore deployment.
const defaultPolynomial = resticchunker.Pol(0x3DA3358B4DC173)

// GeneratePolynomial produces a fresh random irreducible polynomial for
// the CDC rolling hash. Call this once when a keystore is created and
// store the result alongside (not inside) the encrypted keystore blob,
// so every node chunking against that keystore produces identical
// boundaries.
func GeneratePolynomial() (uint64, error) {
	pol, err := resticchunker.RandomPolynomial()
	if err != nil {
		return 0, fmt.Errorf("chunker: generate polynomial: %w", err)
	}
	return uint64(pol), nil
}

// cdcChunker implements content-defined chunking over a fixed Rabin
// polynomial, so that identical input bytes always produce identical
// chunk boundaries.
type cdcChunker struct {
	min, max, target uint64
	pol              uint64
}

func (c *cdcChunker) Split(r io.Reader) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		ck := resticchunker.NewWithBoundaries(r, resticchunker.Pol(c.pol), uint(c.min), uint(c.max))
		ck.SetAverageBits(averageBits(c.target))

		buf := make([]byte, c.max)
		var offset int64
		for {
			chunk, err := ck.Next(buf)
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- fmt.Errorf("chunker: cdc split: %w", err)
				return
			}

			data := make([]byte, chunk.Length)
			copy(data, chunk.Data)
			out <- Chunk{Offset: offset, Data: data}
			offset += int64(chunk.Length)
		}
	}()

	return out, errc
}

// averageBits converts a target average chunk size into the bit count
// restic/chunker uses to mask its rolling hash (avg size ≈ 2^bits).
func averageBits(target uint64) int {
	bits := 0
	for v := target; v > 1; v >>= 1 {
		bits++
	}
	if bits < 1 {
		bits = 1
	}
	return bits
}
