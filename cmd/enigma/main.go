// Command enigma is the thin CLI entry point for the backup engine: it
// wires config flags into the five core components and calls exactly
// one pipeline operation per invocation. Flag parsing follows the
// teacher's stdlib-flag style, one flag.FlagSet per subcommand; config
// loading itself stays out of scope (spec §1/§6), so every component is
// constructed directly from flags/env rather than from a parsed config
// file.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	glob "github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/chunker"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/config"
	"github.com/kenneth/enigma/internal/consensus"
	"github.com/kenneth/enigma/internal/crypto"
	"github.com/kenneth/enigma/internal/debug"
	"github.com/kenneth/enigma/internal/distributor"
	"github.com/kenneth/enigma/internal/keyprovider"
	"github.com/kenneth/enigma/internal/manifest"
	"github.com/kenneth/enigma/internal/metrics"
	"github.com/kenneth/enigma/internal/middleware"
	"github.com/kenneth/enigma/internal/pipeline"
	"github.com/kenneth/enigma/internal/s3front"
)

const passphraseEnvVar = "ENIGMA_PASSPHRASE"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logrus.New()
	if debug.Enabled() {
		log.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:], log)
	case "backup":
		err = runBackup(os.Args[2:], log)
	case "restore":
		err = runRestore(os.Args[2:], log)
	case "verify":
		err = runVerify(os.Args[2:], log)
	case "list":
		err = runList(os.Args[2:], log)
	case "status":
		err = runStatus(os.Args[2:], log)
	case "gc":
		err = runGC(os.Args[2:], log)
	case "serve":
		err = runServe(os.Args[2:], log)
	case "kms-check":
		err = runKMSCheck(os.Args[2:])
	case "encrypt-cred":
		err = runEncryptCred(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "enigma: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "enigma: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: enigma <command> [flags]

commands:
  init                         initialize a new manifest and keystore
  backup <path>                back up a directory tree
  restore <backup-id> <dest>   restore a backup into dest
  verify <backup-id>           verify every chunk referenced by a backup
  list                         list known backups
  status                       print manifest statistics
  gc                           garbage-collect orphaned chunks
  serve                        run the S3-compatible HTTP gateway
  kms-check                    verify connectivity to a Cosmian KMIP key-management server
  encrypt-cred <value>         seal a credential (e.g. for -s3-secret-key-sealed)

init, backup, restore, verify, gc and serve read the data directory
(-data-dir, default ./enigma-data) and the decryption passphrase from the
ENIGMA_PASSPHRASE environment variable. list and status read only the
data directory, encrypt-cred reads only the passphrase, and kms-check
reads neither.`)
}

// commonFlags returns the two flags shared by the subcommands that build
// a pipeline engine (backup, restore, verify, gc, serve): the data
// directory and a concurrency override.
func commonFlags(fs *flagSet) (*string, *int) {
	dataDir := fs.String("data-dir", "./enigma-data", "directory holding the manifest db and keystore")
	concurrency := fs.Int("concurrency", 0, "chunk worker concurrency (0 selects NumCPU, floored at 2)")
	return dataDir, concurrency
}

func runInit(args []string, log *logrus.Logger) error {
	fs := newFlagSet("init")
	dataDir := fs.String("data-dir", "./enigma-data", "directory to create the manifest db and keystore in")
	cdcTarget := fs.Uint64("cdc-target-size", 1<<20, "average CDC chunk size in bytes")
	fixed := fs.Bool("fixed-chunking", false, "use fixed-size chunking instead of CDC")
	fixedSize := fs.Uint64("fixed-size", 4<<20, "fixed chunk size in bytes, when -fixed-chunking is set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	salt := make([]byte, 32)
	if _, err := randRead(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(saltPath(*dataDir), salt, 0o600); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}

	ks, err := crypto.NewKeystore("k1")
	if err != nil {
		return fmt.Errorf("create keystore: %w", err)
	}
	sealed, err := crypto.SealKeystore(ks, passphrase)
	if err != nil {
		return fmt.Errorf("seal keystore: %w", err)
	}
	if err := os.WriteFile(keystorePath(*dataDir), sealed, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}

	strategyMeta := strategyMetadata{cdcTarget: *cdcTarget, fixed: *fixed, fixedSize: *fixedSize}
	if err := writeStrategyMeta(*dataDir, strategyMeta); err != nil {
		return fmt.Errorf("write chunk strategy: %w", err)
	}

	mf, err := manifest.Open(manifestPath(*dataDir))
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer func() { _ = mf.Close() }()

	log.WithField("data_dir", *dataDir).Info("initialized enigma manifest and keystore")
	fmt.Printf("initialized %s\n", *dataDir)
	return nil
}

func runBackup(args []string, log *logrus.Logger) error {
	fs := newFlagSet("backup")
	dataDir, concurrency := commonFlags(fs)
	backupID := fs.String("backup-id", "", "backup id (default: a generated uuid)")
	pf := providerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("backup requires exactly one source path argument")
	}
	sourcePath := fs.Arg(0)
	if *backupID == "" {
		*backupID = "bk-" + uuid.NewString()
	}

	eng, _, closeFn, err := buildEngine(*dataDir, *concurrency, pf, nil, log)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := signalContext()
	backup, err := eng.Backup(ctx, *backupID, sourcePath)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Printf("backup %s: %d files, %d bytes, status %s\n", backup.BackupID, backup.TotalFiles, backup.TotalBytes, backup.Status)
	return nil
}

func runRestore(args []string, log *logrus.Logger) error {
	fs := newFlagSet("restore")
	dataDir, concurrency := commonFlags(fs)
	pathFilter := fs.String("path", "", "restore only this exact path within the backup")
	globFilter := fs.String("glob", "", "restore only paths matching this glob pattern")
	pf := providerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("restore requires <backup-id> <dest> arguments")
	}
	backupID, dest := fs.Arg(0), fs.Arg(1)
	if *pathFilter != "" && *globFilter != "" {
		return fmt.Errorf("restore: -path and -glob are mutually exclusive")
	}

	eng, _, closeFn, err := buildEngine(*dataDir, *concurrency, pf, nil, log)
	if err != nil {
		return err
	}
	defer closeFn()

	var filter pipeline.Filter
	switch {
	case *pathFilter != "":
		want := *pathFilter
		filter = func(path string) bool { return path == want }
	case *globFilter != "":
		pattern := *globFilter
		filter = func(path string) bool { return glob.Glob(pattern, path) }
	}

	ctx := signalContext()
	if err := eng.Restore(ctx, backupID, dest, filter); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("restored %s into %s\n", backupID, dest)
	return nil
}

func runVerify(args []string, log *logrus.Logger) error {
	fs := newFlagSet("verify")
	dataDir, concurrency := commonFlags(fs)
	pf := providerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("verify requires exactly one <backup-id> argument")
	}
	backupID := fs.Arg(0)

	eng, _, closeFn, err := buildEngine(*dataDir, *concurrency, pf, nil, log)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := signalContext()
	report, err := eng.Verify(ctx, backupID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Printf("verified %s: %d files checked, %d chunks ok, %d failures\n", backupID, report.FilesChecked, report.ChunksOK, len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("  FAIL %s (hash %s): %s\n", f.Path, f.Hash, f.Err)
	}
	if !report.OK() {
		return fmt.Errorf("verify: %d chunk(s) failed", len(report.Failures))
	}
	return nil
}

func runList(args []string, log *logrus.Logger) error {
	fs := newFlagSet("list")
	dataDir := fs.String("data-dir", "./enigma-data", "directory holding the manifest db and keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mf, err := manifest.Open(manifestPath(*dataDir))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = mf.Close() }()

	backups, err := mf.ListBackups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	for _, b := range backups {
		fmt.Printf("%s\t%s\t%s\t%d files\t%d bytes\n", b.BackupID, b.Status, b.CreatedAt.Format(time.RFC3339), b.TotalFiles, b.TotalBytes)
	}
	return nil
}

func runStatus(args []string, log *logrus.Logger) error {
	fs := newFlagSet("status")
	dataDir := fs.String("data-dir", "./enigma-data", "directory holding the manifest db and keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mf, err := manifest.Open(manifestPath(*dataDir))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = mf.Close() }()

	stats, err := mf.Stats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Printf("backups:        %d\n", stats.TotalBackups)
	fmt.Printf("chunks:         %d\n", stats.TotalChunks)
	fmt.Printf("logical bytes:  %d\n", stats.TotalBytes)
	fmt.Printf("physical bytes: %d\n", stats.PhysicalBytes)
	fmt.Printf("orphan chunks:  %d\n", stats.OrphanChunks)
	return nil
}

func runGC(args []string, log *logrus.Logger) error {
	fs := newFlagSet("gc")
	dataDir, concurrency := commonFlags(fs)
	dryRun := fs.Bool("dry-run", false, "report orphans without deleting them")
	pf := providerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, _, closeFn, err := buildEngine(*dataDir, *concurrency, pf, nil, log)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := signalContext()
	report, err := eng.GC(ctx, *dryRun)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	fmt.Printf("gc: %d orphan(s) found, %d deleted, dry_run=%v\n", report.OrphansFound, report.ChunksDeleted, report.DryRun)
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}

// runServe starts the S3-compatible HTTP gateway (internal/s3front) in
// front of a pipeline.Engine built the same way every other subcommand
// builds one, so PUT/GET/DELETE/HEAD/LIST over HTTP drive the identical
// backup/restore/gc code path the CLI subcommands use directly.
func runServe(args []string, log *logrus.Logger) error {
	fs := newFlagSet("serve")
	dataDir, concurrency := commonFlags(fs)
	listenAddr := fs.String("listen", "127.0.0.1:8080", "address to serve the S3-compatible gateway on")
	sigV4Secret := fs.String("sigv4-secret", "", "if set, require SigV4 request signing with this secret")
	raftNodeID := fs.String("raft-node-id", "", "if set, run this gateway as a Raft-replicated node under this ID")
	raftBindAddr := fs.String("raft-bind-addr", "127.0.0.1:7000", "Raft transport bind address")
	raftDataDir := fs.String("raft-data-dir", "", "Raft log/snapshot directory (default <data-dir>/raft)")
	raftBootstrap := fs.Bool("raft-bootstrap", false, "bootstrap a new single/multi-node Raft cluster")
	raftPeers := stringSliceFlag{}
	fs.Var(&raftPeers, "raft-peer", "a Raft peer in id=addr form (repeatable)")
	pf := providerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var raftCfg *config.RaftConfig
	if *raftNodeID != "" {
		rdd := *raftDataDir
		if rdd == "" {
			rdd = filepath.Join(*dataDir, "raft")
		}
		raftCfg = &config.RaftConfig{
			NodeID:    *raftNodeID,
			BindAddr:  *raftBindAddr,
			DataDir:   rdd,
			Bootstrap: *raftBootstrap,
			Peers:     raftPeers.values,
		}
	}

	eng, raftNode, closeFn, err := buildEngine(*dataDir, *concurrency, pf, raftCfg, log)
	if err != nil {
		return err
	}
	defer closeFn()

	gw := s3front.NewGateway(eng, log, eng.Metrics, *sigV4Secret)
	if raftNode != nil {
		gw.ReadinessCheck = func(context.Context) error {
			if !raftNode.IsLeader() {
				return fmt.Errorf("node %s is not the raft leader", *raftNodeID)
			}
			return nil
		}
	}

	router := mux.NewRouter()
	gw.RegisterRoutes(router)
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggingMiddleware(log))

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := signalContext()
	errCh := make(chan error, 1)
	go func() {
		log.Infof("enigma gateway listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runEncryptCred(args []string) error {
	fs := newFlagSet("encrypt-cred")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("encrypt-cred requires exactly one <value> argument")
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealCredential([]byte(fs.Arg(0)), passphrase)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	fmt.Println(encodeCredential(sealed))
	return nil
}

// runKMSCheck dials a Cosmian KMIP server and reports whether it is
// reachable and holds the configured wrapping key, the preflight an
// operator runs before pointing a deployment's key management at an
// external KMS instead of a local passphrase.
func runKMSCheck(args []string) error {
	fs := newFlagSet("kms-check")
	endpoint := fs.String("kms-endpoint", "", "Cosmian KMIP server address, host:port")
	keyID := fs.String("kms-key-id", "", "wrapping key ID to check")
	insecureSkipVerify := fs.Bool("kms-insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	timeout := fs.Duration("kms-timeout", 10*time.Second, "KMIP request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" || *keyID == "" {
		return fmt.Errorf("kms-check requires -kms-endpoint and -kms-key-id")
	}

	mgr, err := keyprovider.NewCosmianKMIPManager(keyprovider.CosmianKMIPOptions{
		Endpoint:  *endpoint,
		Keys:      []keyprovider.KMIPKeyReference{{ID: *keyID, Version: 1}},
		TLSConfig: &tls.Config{InsecureSkipVerify: *insecureSkipVerify}, //nolint:gosec
		Timeout:   *timeout,
		Provider:  "cosmian-kmip",
	})
	if err != nil {
		return fmt.Errorf("kms-check: connect: %w", err)
	}
	defer mgr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := mgr.HealthCheck(ctx); err != nil {
		return fmt.Errorf("kms-check: %w", err)
	}
	version, err := mgr.ActiveKeyVersion(ctx)
	if err != nil {
		return fmt.Errorf("kms-check: active key version: %w", err)
	}
	fmt.Printf("kms-check: %s reachable, active key version %d\n", *endpoint, version)
	return nil
}

// buildEngine wires every lower layer into a pipeline.Engine from CLI
// flags, opening the keystore and manifest under dataDir. raftCfg is
// nil in single-node mode, in which case the engine talks to the bare
// *manifest.Manifest directly; when non-nil, buildEngine wraps the
// manifest in a *consensus.Node first and hands that to the engine
// instead, so every write the engine issues replicates through Raft
// (spec §2's C5-via-C8 data flow in cluster mode). The returned
// *consensus.Node is nil in single-node mode; callers that need it
// (runServe's readiness check) get the same instance the engine itself
// writes through, not a second, disconnected one. The returned close
// function must run after the caller is done with the engine.
func buildEngine(dataDir string, concurrency int, pf *cliProviderFlags, raftCfg *config.RaftConfig, log *logrus.Logger) (*pipeline.Engine, *consensus.Node, func(), error) {
	passphrase, err := readPassphrase()
	if err != nil {
		return nil, nil, nil, err
	}

	salt, err := os.ReadFile(saltPath(dataDir))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read salt (did you run init?): %w", err)
	}

	sealed, err := os.ReadFile(keystorePath(dataDir))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read keystore: %w", err)
	}
	ks, err := crypto.OpenKeystore(sealed, passphrase)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open keystore: %w", err)
	}
	entry, err := ks.ActiveKey()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("active key: %w", err)
	}
	key, err := crypto.DeriveKey(entry, passphrase, salt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("derive key: %w", err)
	}
	defer crypto.Zero(key)
	cr, err := crypto.NewEngine(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new crypto engine: %w", err)
	}

	meta, err := readStrategyMeta(dataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read chunk strategy: %w", err)
	}
	ckCfg := chunker.Config{Polynomial: crypto.PolynomialFromSalt(salt)}
	if meta.fixed {
		ckCfg.Strategy = chunker.StrategyFixed
		ckCfg.Size = meta.fixedSize
	} else {
		ckCfg.Strategy = chunker.StrategyCDC
		ckCfg.TargetSize = meta.cdcTarget
	}
	ck, err := chunker.New(ckCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new chunker: %w", err)
	}

	ce, err := compression.NewEngine(true, 0, nil, "zstd", 3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new compression engine: %w", err)
	}

	mf, err := manifest.Open(manifestPath(dataDir))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open manifest: %w", err)
	}

	dist, err := buildDistributor(dataDir, pf, passphrase)
	if err != nil {
		_ = mf.Close()
		return nil, nil, nil, err
	}

	al := audit.NewLogger(1000, nil)
	mx := metrics.NewMetrics()

	var sm consensus.StateMachine = mf
	var raftNode *consensus.Node
	if raftCfg != nil {
		raftNode, err = consensus.NewNode(*raftCfg, mf, log)
		if err != nil {
			_ = mf.Close()
			return nil, nil, nil, fmt.Errorf("start raft node: %w", err)
		}
		sm = raftNode
	}

	eng := pipeline.New(ck, ce, cr, sm, dist, al, mx, log, concurrency)
	closeFn := func() {
		if raftNode != nil {
			_ = raftNode.Shutdown()
		}
		_ = mf.Close()
	}
	return eng, raftNode, closeFn, nil
}

// cliProviderFlags bundles every flag that shapes the distributor: zero
// or more local disk providers, at most one cloud provider, and the
// placement strategy between them.
type cliProviderFlags struct {
	local          stringSliceFlag
	distribution   string
	s3Name         string
	s3Bucket       string
	s3Region       string
	s3Endpoint     string
	s3PathStyle    bool
	s3Vendor       string
	s3AccessKey    string
	s3SecretKey    string
	s3SecretSealed string // base64 output of `enigma encrypt-cred`, decrypted with the same passphrase
	s3Weight       int
}

func providerFlags(fs *flagSet) *cliProviderFlags {
	pf := &cliProviderFlags{}
	fs.Var(&pf.local, "provider", "name=directory pair for a local disk provider (repeatable)")
	fs.StringVar(&pf.distribution, "distribution", "round_robin", "round_robin or weighted")
	fs.StringVar(&pf.s3Name, "s3-name", "", "name of an S3-or-compatible provider to add")
	fs.StringVar(&pf.s3Bucket, "s3-bucket", "", "bucket for the S3-or-compatible provider")
	fs.StringVar(&pf.s3Region, "s3-region", "", "region for the S3-or-compatible provider")
	fs.StringVar(&pf.s3Endpoint, "s3-endpoint", "", "endpoint URL override for the S3-or-compatible provider")
	fs.BoolVar(&pf.s3PathStyle, "s3-path-style", false, "use path-style addressing")
	fs.StringVar(&pf.s3Vendor, "s3-vendor", "", "known vendor to default endpoint/region/path-style from (aws, minio, wasabi, backblaze, cloudflare, digitalocean, scaleway)")
	fs.StringVar(&pf.s3AccessKey, "s3-access-key", "", "access key for the S3-or-compatible provider")
	fs.StringVar(&pf.s3SecretKey, "s3-secret-key", "", "plaintext secret key for the S3-or-compatible provider")
	fs.StringVar(&pf.s3SecretSealed, "s3-secret-key-sealed", "", "base64 output of `enigma encrypt-cred`, decrypted with ENIGMA_PASSPHRASE instead of -s3-secret-key")
	fs.IntVar(&pf.s3Weight, "s3-weight", 1, "placement weight for the S3-or-compatible provider under -distribution weighted")
	return pf
}

// buildDistributor turns -provider/-s3-* flags into a distributor.
// No -provider/-s3-bucket flag falls back to a single local provider
// rooted at dataDir/blobs, so every command works out of the box
// against a fresh init.
func buildDistributor(dataDir string, pf *cliProviderFlags, passphrase []byte) (*distributor.Distributor, error) {
	var providers []distributor.Provider
	for _, spec := range pf.local.values {
		name, dir, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -provider %q, expected name=directory", spec)
		}
		p, err := distributor.NewLocalProvider(name, dir, 1)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}

	if pf.s3Bucket != "" {
		secretKey := pf.s3SecretKey
		if pf.s3SecretSealed != "" {
			sealed, err := decodeCredential(pf.s3SecretSealed)
			if err != nil {
				return nil, fmt.Errorf("decode -s3-secret-key-sealed: %w", err)
			}
			plain, err := crypto.OpenCredential(sealed, passphrase)
			if err != nil {
				return nil, fmt.Errorf("open -s3-secret-key-sealed: %w", err)
			}
			secretKey = string(plain)
		}
		name := pf.s3Name
		if name == "" {
			name = "s3"
		}
		pc := config.ProviderConfig{
			Name:          name,
			Type:          "S3Compatible",
			Bucket:        pf.s3Bucket,
			Region:        pf.s3Region,
			Endpoint:      pf.s3Endpoint,
			PathStyle:     pf.s3PathStyle,
			AccessKey:     pf.s3AccessKey,
			SecretKey:     secretKey,
			Weight:        pf.s3Weight,
			CloudProvider: pf.s3Vendor,
		}
		p, err := distributor.NewS3Provider(context.Background(), pc)
		if err != nil {
			return nil, fmt.Errorf("s3 provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		p, err := distributor.NewLocalProvider("default", filepath.Join(dataDir, "blobs"), 1)
		if err != nil {
			return nil, fmt.Errorf("default provider: %w", err)
		}
		providers = append(providers, p)
	}

	var strategy distributor.Strategy
	switch pf.distribution {
	case "", "round_robin":
		strategy = distributor.NewRoundRobin()
	case "weighted":
		strategy = distributor.NewWeighted()
	default:
		return nil, fmt.Errorf("unknown -distribution %q", pf.distribution)
	}
	return distributor.New(providers, strategy)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func readPassphrase() ([]byte, error) {
	v := os.Getenv(passphraseEnvVar)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", passphraseEnvVar)
	}
	return []byte(v), nil
}

func saltPath(dataDir string) string     { return filepath.Join(dataDir, "keystore.salt") }
func keystorePath(dataDir string) string { return filepath.Join(dataDir, "keystore.enc") }
func manifestPath(dataDir string) string { return filepath.Join(dataDir, "manifest.db") }
