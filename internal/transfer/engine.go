package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/italolelis/edge_video_cache/internal/downloader/progress"
	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
)

const (
	defaultChunkSize        = 32 << 10
	defaultProgressBytes    = 1 << 20
	defaultProgressInterval = time.Second
)

// Request describes one transfer run.
type Request struct {
	Locator string
	// Offset asks the origin to resume from this byte. The engine falls back to
	// zero when the origin cannot honor it.
	Offset int64
	// ExpectedSize is the declared object size. A different origin size fails
	// the run as an integrity mismatch.
	ExpectedSize int64
	SHA256       string
}

// Result summarizes a successful run.
type Result struct {
	Written int64 // final file size
	Total   int64
	Resumed bool
	SHA256  string
}

// Destination is the local file a transfer writes into. The caller owns it.
type Destination interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Sync() error
}

// ProgressFunc receives the cumulative bytes written and the expected total (0 if unknown).
type ProgressFunc func(written, total int64)

// Engine streams an origin object into a Destination.
type Engine struct {
	sources          map[string]Source
	limiter          *rate.Limiter
	chunkSize        int
	progressBytes    int64
	progressInterval time.Duration
	telemetry        *telemetry.Telemetry
}

type Option func(*Engine)

// WithSource registers src for a URL scheme.
func WithSource(scheme string, src Source) Option {
	return func(e *Engine) {
		e.sources[strings.ToLower(scheme)] = src
	}
}

// WithRateLimit caps the combined throughput of all runs. Zero disables the cap.
func WithRateLimit(bytesPerSec int64) Option {
	return func(e *Engine) {
		if bytesPerSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(int(bytesPerSec), 64<<10))
		}
	}
}

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithProgressPolicy sets how often progress callbacks may fire.
func WithProgressPolicy(bytes int64, interval time.Duration) Option {
	return func(e *Engine) {
		if bytes > 0 {
			e.progressBytes = bytes
		}

		if interval >= 0 {
			e.progressInterval = interval
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.telemetry = tel
	}
}

// NewEngine creates an engine with the http, https and file sources registered.
func NewEngine(opts ...Option) *Engine {
	httpSource := NewHTTPSource(nil)

	e := &Engine{
		sources: map[string]Source{
			"http":  httpSource,
			"https": httpSource,
			"file":  FileSource{},
		},
		chunkSize:        defaultChunkSize,
		progressBytes:    defaultProgressBytes,
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	// The limiter burst must fit a whole chunk.
	if e.limiter != nil && e.limiter.Burst() < e.chunkSize {
		e.limiter.SetBurst(e.chunkSize)
	}

	return e
}

// Open resolves the locator and opens it from offset 0. It is used for small
// documents such as catalog manifests.
func (e *Engine) Open(ctx context.Context, locator string) (*Stream, error) {
	u, src, err := e.resolve(locator)
	if err != nil {
		return nil, err
	}

	return src.Open(ctx, u, 0)
}

// Scheme returns the lowercase scheme of locator, or "" if it cannot be parsed.
func Scheme(locator string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return ""
	}

	return strings.ToLower(u.Scheme)
}

func (e *Engine) resolve(locator string) (*url.URL, Source, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, nil, &OriginRejectedError{Locator: locator, Reason: "invalid locator", Err: err}
	}

	src, ok := e.sources[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, nil, &OriginRejectedError{Locator: locator, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	return u, src, nil
}

// Supports reports whether a source is registered for the locator's scheme.
func (e *Engine) Supports(locator string) bool {
	_, _, err := e.resolve(locator)

	return err == nil
}

// Run copies the origin object into dst. Cancellation is checked between chunks
// and the context cause is returned unchanged. Progress is reported after bytes
// reach dst and a final report always carries the exact terminal value.
func (e *Engine) Run(ctx context.Context, req Request, dst Destination, onProgress ProgressFunc) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, src, err := e.resolve(req.Locator)
	if err != nil {
		return nil, err
	}

	stream, err := src.Open(ctx, u, max(req.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer stream.Body.Close()

	// The declared size must match what the origin reports.
	if req.ExpectedSize > 0 && stream.Total > 0 && stream.Total != req.ExpectedSize {
		return nil, &IntegrityMismatchError{
			Field:    "size",
			Expected: strconv.FormatInt(req.ExpectedSize, 10),
			Actual:   strconv.FormatInt(stream.Total, 10),
		}
	}

	hasher := sha256.New()
	if err := prepare(dst, hasher, stream.Offset); err != nil {
		return nil, err
	}

	if stream.Offset > 0 {
		logger.DebugContext(ctx, "resuming transfer", "offset", humanize.Bytes(uint64(stream.Offset)))
	} else if req.Offset > 0 {
		logger.InfoContext(ctx, "origin cannot resume, restarting from zero",
			"requested_offset", humanize.Bytes(uint64(req.Offset)))
	}

	total := stream.Total
	if total <= 0 {
		total = req.ExpectedSize
	}

	out := &sink{dst: dst, hash: hasher, written: stream.Offset, limit: total}
	pr := progress.NewReader(io.TeeReader(stream.Body, out), total, e.progressBytes, onProgress).
		WithStart(stream.Offset).
		WithMinInterval(e.progressInterval)

	flushed := false
	defer func() {
		if !flushed {
			pr.Flush()
		}
	}()

	scheme := strings.ToLower(u.Scheme)
	buf := make([]byte, e.chunkSize)

	for {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		n, rerr := pr.Read(buf)
		if n > 0 {
			e.telemetry.RecordDownloadedBytes(ctx, scheme, int64(n))

			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return nil, context.Cause(ctx)
				}
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			if Kind(rerr) != KindUnknown {
				return nil, rerr
			}

			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}

			return nil, &NetworkError{Operation: "read", Message: rerr.Error(), Err: rerr}
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, &LocalIOError{Operation: "sync", Err: err}
	}

	written := pr.Written()
	if total <= 0 {
		total = written
		pr.Total = written
	}

	pr.Flush()
	flushed = true

	if written != total {
		return nil, &IntegrityMismatchError{
			Field:    "size",
			Expected: strconv.FormatInt(total, 10),
			Actual:   strconv.FormatInt(written, 10),
		}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if req.SHA256 != "" && !strings.EqualFold(sum, req.SHA256) {
		return nil, &IntegrityMismatchError{Field: "sha256", Expected: strings.ToLower(req.SHA256), Actual: sum}
	}

	return &Result{Written: written, Total: total, Resumed: stream.Offset > 0, SHA256: sum}, nil
}

// prepare positions dst at offset. The kept prefix is fed to the hasher so the
// digest covers the whole file, and anything past offset is cut off.
func prepare(dst Destination, hasher hash.Hash, offset int64) error {
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return &LocalIOError{Operation: "seek", Err: err}
	}

	if offset > 0 {
		if n, err := io.CopyN(hasher, dst, offset); err != nil {
			return &LocalIOError{Operation: "rehash", Err: fmt.Errorf("read %d of %d bytes: %w", n, offset, err)}
		}
	}

	if err := dst.Truncate(offset); err != nil {
		return &LocalIOError{Operation: "truncate", Err: err}
	}

	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return &LocalIOError{Operation: "seek", Err: err}
	}

	return nil
}

// sink writes into the destination and the hasher. It refuses bytes past limit
// so the reported progress never exceeds the expected size.
type sink struct {
	dst     io.Writer
	hash    hash.Hash
	written int64
	limit   int64 // 0 = unbounded
}

func (s *sink) Write(p []byte) (int, error) {
	if s.limit > 0 && s.written+int64(len(p)) > s.limit {
		return 0, &IntegrityMismatchError{
			Field:    "size",
			Expected: strconv.FormatInt(s.limit, 10),
			Actual:   "at least " + strconv.FormatInt(s.written+int64(len(p)), 10),
		}
	}

	n, err := s.dst.Write(p)
	s.hash.Write(p[:n])
	s.written += int64(n)

	if err != nil {
		return n, &LocalIOError{Operation: "write", Err: err}
	}

	return n, nil
}
