package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)

	for i := range b {
		b[i] = byte(r.IntN(256))
	}

	return b
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

func tempDestination(t *testing.T, prefix []byte) *os.File {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), "video.mp4"))
	require.NoError(t, err)

	t.Cleanup(func() { f.Close() })

	if len(prefix) > 0 {
		_, err = f.Write(prefix)
		require.NoError(t, err)
	}

	return f
}

func serveVideo(t *testing.T, content []byte, ranges *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" && ranges != nil {
			ranges.Add(1)
		}

		http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestEngineRun_FullDownload(t *testing.T) {
	content := videoBytes(200 * 1024)
	srv := serveVideo(t, content, nil)
	dst := tempDestination(t, nil)

	var last, calls int64

	engine := NewEngine(WithProgressPolicy(64*1024, 0))
	res, err := engine.Run(context.Background(), Request{Locator: srv.URL + "/v.mp4", SHA256: digest(content)}, dst,
		func(written, total int64) {
			assert.GreaterOrEqual(t, written, last, "progress must not go backwards")
			assert.LessOrEqual(t, written, total)

			last = written
			calls++
		})
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), res.Written)
	assert.Equal(t, int64(len(content)), res.Total)
	assert.False(t, res.Resumed)
	assert.Equal(t, digest(content), res.SHA256)
	assert.Equal(t, int64(len(content)), last)
	assert.Less(t, calls, int64(10), "progress should be coalesced")

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineRun_ResumesWithRange(t *testing.T) {
	content := videoBytes(200 * 1024)

	var ranges atomic.Int32

	srv := serveVideo(t, content, &ranges)
	half := int64(100 * 1024)
	dst := tempDestination(t, content[:half])

	res, err := NewEngine().Run(context.Background(),
		Request{Locator: srv.URL, Offset: half, SHA256: digest(content)}, dst, nil)
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, int32(1), ranges.Load())
	assert.Equal(t, digest(content), res.SHA256, "digest must cover the kept prefix")

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineRun_OriginIgnoresRange(t *testing.T) {
	content := videoBytes(10 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)

	// Stale bytes that do not match the origin must be discarded.
	dst := tempDestination(t, bytes.Repeat([]byte{0xff}, 4096))

	res, err := NewEngine().Run(context.Background(), Request{Locator: srv.URL, Offset: 4096}, dst, nil)
	require.NoError(t, err)
	assert.False(t, res.Resumed)

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineRun_RangeNotSatisfiableRestarts(t *testing.T) {
	content := videoBytes(1024)
	srv := serveVideo(t, content, nil)
	dst := tempDestination(t, videoBytes(4096))

	res, err := NewEngine().Run(context.Background(), Request{Locator: srv.URL, Offset: 4096}, dst, nil)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, int64(1024), res.Written)
}

func TestEngineRun_OriginErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{name: "not found", status: http.StatusNotFound, kind: KindOriginRejected},
		{name: "forbidden", status: http.StatusForbidden, kind: KindOriginRejected},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: KindNetwork},
		{name: "bad gateway", status: http.StatusBadGateway, kind: KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewEngine().Run(context.Background(), Request{Locator: srv.URL}, tempDestination(t, nil), nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, Kind(err))
		})
	}
}

func TestEngineRun_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	locator := srv.URL
	srv.Close()

	_, err := NewEngine().Run(context.Background(), Request{Locator: locator}, tempDestination(t, nil), nil)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, Kind(err))
}

func TestEngineRun_ChecksumMismatch(t *testing.T) {
	content := videoBytes(4096)
	srv := serveVideo(t, content, nil)

	_, err := NewEngine().Run(context.Background(),
		Request{Locator: srv.URL, SHA256: digest([]byte("other"))}, tempDestination(t, nil), nil)

	var mismatch *IntegrityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "sha256", mismatch.Field)
}

func TestEngineRun_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Length, so only the caller's expected size can catch the truncation.
		w.(http.Flusher).Flush()
		_, _ = w.Write(make([]byte, 100))
	}))
	t.Cleanup(srv.Close)

	_, err := NewEngine().Run(context.Background(),
		Request{Locator: srv.URL, ExpectedSize: 200}, tempDestination(t, nil), nil)

	var mismatch *IntegrityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "size", mismatch.Field)
}

func TestEngineRun_OversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.(http.Flusher).Flush()
		_, _ = w.Write(make([]byte, 300))
	}))
	t.Cleanup(srv.Close)

	var last int64

	_, err := NewEngine(WithProgressPolicy(1, 0)).Run(context.Background(),
		Request{Locator: srv.URL, ExpectedSize: 200}, tempDestination(t, nil),
		func(written, _ int64) { last = written })

	assert.Equal(t, KindIntegrityMismatch, Kind(err))
	assert.LessOrEqual(t, last, int64(200))
}

func TestEngineRun_Cancel(t *testing.T) {
	content := videoBytes(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(content)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	errStop := errors.New("stopped by operator")
	ctx, cancel := context.WithCancelCause(context.Background())

	defer cancel(nil)

	_, err := NewEngine(WithProgressPolicy(1, 0)).Run(ctx, Request{Locator: srv.URL}, tempDestination(t, nil),
		func(written, _ int64) {
			if written > 0 {
				cancel(errStop)
			}
		})
	require.ErrorIs(t, err, errStop)
}

func TestEngineRun_UnsupportedScheme(t *testing.T) {
	_, err := NewEngine().Run(context.Background(), Request{Locator: "ftp://origin/v.mp4"}, tempDestination(t, nil), nil)
	assert.Equal(t, KindOriginRejected, Kind(err))
	assert.False(t, NewEngine().Supports("ftp://origin/v.mp4"))
	assert.True(t, NewEngine().Supports("https://origin/v.mp4"))
}

func TestEngineRun_FileSourceResume(t *testing.T) {
	content := videoBytes(8 * 1024)
	src := filepath.Join(t.TempDir(), "origin.mp4")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	dst := tempDestination(t, content[:3000])

	res, err := NewEngine().Run(context.Background(),
		Request{Locator: "file://" + src, Offset: 3000, SHA256: digest(content)}, dst, nil)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, int64(len(content)), res.Written)
}

func TestEngineRun_MissingFile(t *testing.T) {
	_, err := NewEngine().Run(context.Background(),
		Request{Locator: "file:///does/not/exist.mp4"}, tempDestination(t, nil), nil)
	assert.Equal(t, KindOriginRejected, Kind(err))
}

type failingDestination struct {
	*os.File
}

func (failingDestination) Write([]byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func TestEngineRun_LocalWriteFailure(t *testing.T) {
	srv := serveVideo(t, videoBytes(4096), nil)

	_, err := NewEngine().Run(context.Background(), Request{Locator: srv.URL},
		failingDestination{tempDestination(t, nil)}, nil)
	assert.Equal(t, KindLocalIO, Kind(err))
}

func TestEngineRun_RateLimited(t *testing.T) {
	content := videoBytes(96 * 1024)
	srv := serveVideo(t, content, nil)

	start := time.Now()

	_, err := NewEngine(WithRateLimit(64*1024), WithChunkSize(16*1024)).
		Run(context.Background(), Request{Locator: srv.URL}, tempDestination(t, nil), nil)
	require.NoError(t, err)

	// The first 64 KiB come from the burst; the rest waits about half a second.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		start int64
		total int64
		ok    bool
	}{
		{in: "bytes 100-199/200", start: 100, total: 200, ok: true},
		{in: "bytes 0-99/*", start: 0, total: 0, ok: true},
		{in: "bytes */200", ok: false},
		{in: "items 0-1/2", ok: false},
		{in: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, total, ok := parseContentRange(tt.in)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.total, total)
			}
		})
	}
}

func TestEngineRun_DeclaredSizeDisagreesWithOrigin(t *testing.T) {
	content := videoBytes(4096)
	srv := serveVideo(t, content, nil)
	dst := tempDestination(t, nil)

	_, err := NewEngine().Run(context.Background(),
		Request{Locator: srv.URL, ExpectedSize: 8192}, dst, nil)

	var mismatch *IntegrityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "size", mismatch.Field)
	assert.Equal(t, "8192", mismatch.Expected)
	assert.Equal(t, "4096", mismatch.Actual)

	info, err := dst.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "nothing is written once the origin size disagrees")

	res, err := NewEngine().Run(context.Background(),
		Request{Locator: srv.URL, ExpectedSize: int64(len(content))}, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), res.Written)
}
