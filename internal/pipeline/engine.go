// Package pipeline orchestrates the backup, restore, verify, and garbage
// collection operations over the engine's chunker, compression, crypto,
// manifest, and distributor layers. It is the one component that calls
// all the others: no layer below it knows about any other.
package pipeline

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/chunker"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/consensus"
	"github.com/kenneth/enigma/internal/crypto"
	"github.com/kenneth/enigma/internal/distributor"
	"github.com/kenneth/enigma/internal/metrics"
)

// Engine wires the backup engine's core layers into the four operations
// spec'd for it: Backup, Restore, Verify, and GC.
//
// Manifest is typed as consensus.StateMachine, not the concrete
// *manifest.Manifest, so the engine itself never knows whether it is
// running single-node (writes land directly in the local manifest) or
// clustered (writes replicate through Raft first via *consensus.Node,
// see cmd/enigma's buildEngine). Both satisfy the same interface.
type Engine struct {
	Chunker     chunker.Chunker
	Compression compression.Engine
	Crypto      *crypto.Engine
	Manifest    consensus.StateMachine
	Distributor *distributor.Distributor
	Audit       audit.Logger
	Metrics     *metrics.Metrics
	Log         *logrus.Logger

	// concurrency bounds the number of chunks being hashed/compressed/
	// encrypted/uploaded at once. Adapted from the teacher's
	// chunkedEncryptReader.startPipeline, which floors concurrency at 2
	// regardless of GOMAXPROCS so single-core deployments still pipeline
	// hashing against I/O.
	concurrency int
}

// New constructs a pipeline Engine. concurrency <= 0 selects
// runtime.NumCPU(), floored at 2. mf may be a bare *manifest.Manifest
// (single-node mode) or a *consensus.Node (clustered mode) — anything
// satisfying consensus.StateMachine.
func New(ck chunker.Chunker, ce compression.Engine, cr *crypto.Engine, mf consensus.StateMachine, dist *distributor.Distributor, al audit.Logger, mx *metrics.Metrics, log *logrus.Logger, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency < 2 {
		concurrency = 2
	}
	return &Engine{
		Chunker:     ck,
		Compression: ce,
		Crypto:      cr,
		Manifest:    mf,
		Distributor: dist,
		Audit:       al,
		Metrics:     mx,
		Log:         log,
		concurrency: concurrency,
	}
}
