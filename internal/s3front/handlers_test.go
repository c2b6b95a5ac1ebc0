package s3front

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/chunker"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/crypto"
	"github.com/kenneth/enigma/internal/distributor"
	"github.com/kenneth/enigma/internal/manifest"
	"github.com/kenneth/enigma/internal/metrics"
	"github.com/kenneth/enigma/internal/pipeline"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	ck, err := chunker.New(chunker.Config{Strategy: chunker.StrategyFixed, Size: 64 * 1024, TargetSize: 64 * 1024})
	require.NoError(t, err)
	ce, err := compression.NewEngine(true, 0, nil, "zstd", 3)
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cr, err := crypto.NewEngine(key)
	require.NoError(t, err)

	mf, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mf.Close() })

	provider, err := distributor.NewLocalProvider("p1", t.TempDir(), 1)
	require.NoError(t, err)
	dist, err := distributor.New([]distributor.Provider{provider}, distributor.NewRoundRobin())
	require.NoError(t, err)

	al := audit.NewLogger(1000, nil)
	mx := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	log := logrus.New()
	log.SetOutput(os.Stderr)

	eng := pipeline.New(ck, ce, cr, mf, dist, al, mx, log, 2)
	return NewGateway(eng, log, mx, "")
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	g := newTestGateway(t)
	r := mux.NewRouter()
	g.RegisterRoutes(r)
	return r
}

func TestPutGetRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	body := []byte("hello from the s3 front door")
	req := httptest.NewRequest(http.MethodPut, "/my-bucket/dir/object.txt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/my-bucket/dir/object.txt", nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)
	require.Equal(t, body, getW.Body.Bytes())
}

func TestPutOverwritesExistingObject(t *testing.T) {
	router := newTestRouter(t)

	put := func(body string) {
		req := httptest.NewRequest(http.MethodPut, "/b/k", bytes.NewReader([]byte(body)))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	put("version one")
	put("version two, a bit longer")

	getReq := httptest.NewRequest(http.MethodGet, "/b/k", nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)
	require.Equal(t, "version two, a bit longer", getW.Body.String())
}

func TestHeadObjectReportsSize(t *testing.T) {
	router := newTestRouter(t)

	body := []byte("twenty-one bytes here")
	req := httptest.NewRequest(http.MethodPut, "/b/k", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	headReq := httptest.NewRequest(http.MethodHead, "/b/k", nil)
	headW := httptest.NewRecorder()
	router.ServeHTTP(headW, headReq)
	require.Equal(t, http.StatusOK, headW.Code)
	require.Equal(t, strconv.Itoa(len(body)), headW.Header().Get("Content-Length"))
}

func TestDeleteObjectThenGetReturnsNotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/b/k", bytes.NewReader([]byte("gone soon")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/b/k", nil)
	delW := httptest.NewRecorder()
	router.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusNoContent, delW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/b/k", nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusNotFound, getW.Code)
}

func TestListObjectsFiltersByPrefix(t *testing.T) {
	router := newTestRouter(t)

	for _, key := range []string{"logs/a.txt", "logs/b.txt", "images/c.png"} {
		req := httptest.NewRequest(http.MethodPut, "/b/"+key, bytes.NewReader([]byte("x")))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/b?prefix=logs/", nil)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	out := listW.Body.String()
	require.Contains(t, out, "<Key>logs/a.txt</Key>")
	require.Contains(t, out, "<Key>logs/b.txt</Key>")
	require.NotContains(t, out, "images/c.png")
}

// TestChunkedUploadDecodesAwsStreamingBody guards the teacher's
// regression fix: a PUT whose body is AWS chunked-transfer encoded
// (x-amz-content-sha256: STREAMING-*) must be un-chunked before it
// reaches the pipeline, storing only the real payload bytes.
func TestChunkedUploadDecodesAwsStreamingBody(t *testing.T) {
	router := newTestRouter(t)

	chunk1 := "5;chunk-signature=sig1\r\nhello\r\n"
	chunk2 := "6;chunk-signature=sig2\r\n world\r\n"
	chunkEnd := "0;chunk-signature=final-signature\r\n"
	streamBody := chunk1 + chunk2 + chunkEnd

	req := httptest.NewRequest(http.MethodPut, "/b/streamed.txt", bytes.NewReader([]byte(streamBody)))
	req.Header.Set("x-amz-content-sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/b/streamed.txt", nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)
	require.Equal(t, "hello world", getW.Body.String())
}
