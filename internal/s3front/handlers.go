// Package s3front exposes a thin S3-compatible HTTP surface over
// internal/pipeline. It is adapted from the teacher's internal/api
// package (handlers.go, auth.go, aws_chunked_reader.go): the routing
// shape, metrics/logging idiom, and AWS-chunked body decoding are kept
// as-is, but every handler now drives a backup/restore/gc operation
// instead of the teacher's crypto.EncryptionEngine + s3.Client pair.
//
// Full S3 XML fidelity is out of scope (spec §1); this surface exists
// because the teacher already built it and it is cheap to keep wired.
// Each object PUT/GET/DELETE/HEAD/LIST maps onto one single-file backup
// named "<bucket>/<key>": a PUT opens, populates, and finalizes that
// backup; a GET restores it to a scratch directory and streams the one
// file back out; a DELETE removes the backup and drops the refcount of
// every chunk it referenced, leaving chunks that reach zero for GC.
package s3front

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/enigma/internal/enigmaerr"
	"github.com/kenneth/enigma/internal/manifest"
	"github.com/kenneth/enigma/internal/metrics"
	"github.com/kenneth/enigma/internal/pipeline"
)

// Gateway handles HTTP requests for the S3-compatible surface.
type Gateway struct {
	Engine    *pipeline.Engine
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
	SecretKey string // non-empty enables SigV4 request validation

	// ReadinessCheck, when set, gates /ready on something beyond process
	// liveness — e.g. internal/consensus.Node.IsLeader when this gateway
	// fronts a replicated manifest, so a follower node reports not_ready
	// instead of silently accepting writes it can't durably apply.
	ReadinessCheck func(context.Context) error
}

// NewGateway creates a new S3-compatible gateway over eng.
func NewGateway(eng *pipeline.Engine, log *logrus.Logger, m *metrics.Metrics, secretKey string) *Gateway {
	return &Gateway{Engine: eng, Log: log, Metrics: m, SecretKey: secretKey}
}

// RegisterRoutes registers every gateway route on r.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", g.handleHealth).Methods("GET")
	r.HandleFunc("/ready", g.handleReady).Methods("GET")
	r.HandleFunc("/live", g.handleLive).Methods("GET")

	s3Router := r.PathPrefix("/").Subrouter()
	s3Router.HandleFunc("/{bucket}", g.handleListObjects).Methods("GET")
	s3Router.HandleFunc("/{bucket}/{key:.*}", g.handleGetObject).Methods("GET")
	s3Router.HandleFunc("/{bucket}/{key:.*}", g.handlePutObject).Methods("PUT")
	s3Router.HandleFunc("/{bucket}/{key:.*}", g.handleDeleteObject).Methods("DELETE")
	s3Router.HandleFunc("/{bucket}/{key:.*}", g.handleHeadObject).Methods("HEAD")
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	g.Metrics.RecordHTTPRequest("GET", "/health", http.StatusOK, time.Since(start), 0)
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(g.ReadinessCheck)(w, r)
	g.Metrics.RecordHTTPRequest("GET", "/ready", http.StatusOK, time.Since(start), 0)
}

func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	g.Metrics.RecordHTTPRequest("GET", "/live", http.StatusOK, time.Since(start), 0)
}

// objectBackupID names the single-file backup standing in for one S3
// object. Bucket and key are joined with "/" the same way
// internal/distributor.ChunkKey joins a hash into a provider path.
func objectBackupID(bucket, key string) string {
	return bucket + "/" + key
}

// checkAuth validates the request's SigV4 signature when a secret is
// configured, adapting the teacher's otherwise-uncalled
// ValidateSignatureV4 into an enforced request gate.
func (g *Gateway) checkAuth(r *http.Request) error {
	if g.SecretKey == "" {
		return nil
	}
	return ValidateSignatureV4(r, g.SecretKey)
}

func (g *Gateway) writeError(w http.ResponseWriter, method, path string, status int, s3op, reason string, err error) {
	g.Log.WithError(err).WithField("path", path).Error(reason)
	if s3op != "" {
		g.Metrics.RecordS3Error(s3op, "", reason)
	}
	http.Error(w, reason, status)
	g.Metrics.RecordHTTPRequest(method, path, status, 0, 0)
}

// handlePutObject decodes the request body (un-chunking an AWS chunked
// transfer if present), stages it under a scratch directory named for
// the object's key, and runs it through the pipeline as a one-file
// backup. A PUT to an existing key first deletes that key's prior
// backup, matching S3's overwrite-in-place semantics.
func (g *Gateway) handlePutObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if bucket == "" || key == "" {
		g.writeError(w, "PUT", r.URL.Path, http.StatusBadRequest, "", "invalid bucket or key", nil)
		return
	}
	if err := g.checkAuth(r); err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusForbidden, "PutObject", "signature validation failed", err)
		return
	}

	body := io.Reader(r.Body)
	if strings.HasPrefix(r.Header.Get("x-amz-content-sha256"), "STREAMING-") {
		body = NewAwsChunkedReader(r.Body)
	}

	stageDir, err := os.MkdirTemp("", "s3front-put-*")
	if err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusInternalServerError, "PutObject", "failed to stage upload", err)
		return
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	stagedPath := filepath.Join(stageDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(stagedPath), 0o750); err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusInternalServerError, "PutObject", "failed to create staging path", err)
		return
	}
	dst, err := os.Create(stagedPath)
	if err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusInternalServerError, "PutObject", "failed to create staged file", err)
		return
	}
	written, err := io.Copy(dst, body)
	_ = dst.Close()
	if err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusBadRequest, "PutObject", "failed to read request body", err)
		return
	}

	ctx := r.Context()
	backupID := objectBackupID(bucket, key)
	if _, err := g.Engine.Manifest.GetBackup(backupID); err == nil {
		if err := g.Engine.Manifest.DeleteBackup(backupID); err != nil {
			g.writeError(w, "PUT", r.URL.Path, http.StatusInternalServerError, "PutObject", "failed to replace existing object", err)
			return
		}
	}

	if _, err := g.Engine.Backup(ctx, backupID, stageDir); err != nil {
		g.writeError(w, "PUT", r.URL.Path, http.StatusInternalServerError, "PutObject", "failed to store object", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	g.Metrics.RecordS3Operation("PutObject", bucket, time.Since(start))
	g.Metrics.RecordHTTPRequest("PUT", r.URL.Path, http.StatusOK, time.Since(start), written)
}

// handleGetObject restores the object's backup to a scratch directory
// and streams its single file back as the response body.
func (g *Gateway) handleGetObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if bucket == "" || key == "" {
		g.writeError(w, "GET", r.URL.Path, http.StatusBadRequest, "", "invalid bucket or key", nil)
		return
	}
	if err := g.checkAuth(r); err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusForbidden, "GetObject", "signature validation failed", err)
		return
	}

	ctx := r.Context()
	backupID := objectBackupID(bucket, key)
	backup, err := g.Engine.Manifest.GetBackup(backupID)
	if err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		g.writeError(w, "GET", r.URL.Path, status, "GetObject", "object not found", err)
		return
	}

	destDir, err := os.MkdirTemp("", "s3front-get-*")
	if err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusInternalServerError, "GetObject", "failed to stage restore", err)
		return
	}
	defer func() { _ = os.RemoveAll(destDir) }()

	if err := g.Engine.Restore(ctx, backupID, destDir, nil); err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusInternalServerError, "GetObject", "failed to restore object", err)
		return
	}

	f, err := os.Open(filepath.Join(destDir, filepath.FromSlash(key)))
	if err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusInternalServerError, "GetObject", "failed to read restored object", err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Length", strconv.FormatInt(backup.TotalBytes, 10))
	n, err := io.Copy(w, f)
	if err != nil {
		g.Log.WithError(err).WithField("path", r.URL.Path).Error("failed to write response")
		g.Metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusInternalServerError, time.Since(start), n)
		return
	}

	g.Metrics.RecordS3Operation("GetObject", bucket, time.Since(start))
	g.Metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), n)
}

// handleHeadObject reports an object's size without restoring its body.
func (g *Gateway) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if bucket == "" || key == "" {
		g.writeError(w, "HEAD", r.URL.Path, http.StatusBadRequest, "", "invalid bucket or key", nil)
		return
	}
	if err := g.checkAuth(r); err != nil {
		g.writeError(w, "HEAD", r.URL.Path, http.StatusForbidden, "HeadObject", "signature validation failed", err)
		return
	}

	backup, err := g.Engine.Manifest.GetBackup(objectBackupID(bucket, key))
	if err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		g.writeError(w, "HEAD", r.URL.Path, status, "HeadObject", "object not found", err)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(backup.TotalBytes, 10))
	w.WriteHeader(http.StatusOK)
	g.Metrics.RecordS3Operation("HeadObject", bucket, time.Since(start))
	g.Metrics.RecordHTTPRequest("HEAD", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

// handleDeleteObject deletes the object's backup, dropping the
// refcount of every chunk it referenced; chunks that reach zero become
// collectible by the next GC pass rather than being removed inline.
func (g *Gateway) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if bucket == "" || key == "" {
		g.writeError(w, "DELETE", r.URL.Path, http.StatusBadRequest, "", "invalid bucket or key", nil)
		return
	}
	if err := g.checkAuth(r); err != nil {
		g.writeError(w, "DELETE", r.URL.Path, http.StatusForbidden, "DeleteObject", "signature validation failed", err)
		return
	}

	if err := g.Engine.Manifest.DeleteBackup(objectBackupID(bucket, key)); err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		g.writeError(w, "DELETE", r.URL.Path, status, "DeleteObject", "failed to delete object", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	g.Metrics.RecordS3Operation("DeleteObject", bucket, time.Since(start))
	g.Metrics.RecordHTTPRequest("DELETE", r.URL.Path, http.StatusNoContent, time.Since(start), 0)
}

// handleListObjects lists every object backup whose key starts with the
// optional "prefix" query parameter, as a minimal ListBucketResult.
func (g *Gateway) handleListObjects(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket := vars["bucket"]
	if bucket == "" {
		g.writeError(w, "GET", r.URL.Path, http.StatusBadRequest, "", "invalid bucket", nil)
		return
	}
	if err := g.checkAuth(r); err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusForbidden, "ListObjects", "signature validation failed", err)
		return
	}

	prefix := bucket + "/" + r.URL.Query().Get("prefix")
	backups, err := g.Engine.Manifest.ListBackups()
	if err != nil {
		g.writeError(w, "GET", r.URL.Path, http.StatusInternalServerError, "ListObjects", "failed to list objects", err)
		return
	}

	var keys []string
	for _, b := range backups {
		if b.Status != manifest.BackupCompleted || !strings.HasPrefix(b.BackupID, prefix) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(b.BackupID, bucket+"/"))
	}
	sort.Strings(keys)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<ListBucketResult>\n")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "<Contents><Key>%s</Key></Contents>\n", k)
	}
	_, _ = fmt.Fprint(w, "</ListBucketResult>")

	g.Metrics.RecordS3Operation("ListObjects", bucket, time.Since(start))
	g.Metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func isNotFound(err error) bool {
	return errors.Is(err, enigmaerr.ErrNotFound)
}
