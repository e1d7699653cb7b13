package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/edge_video_cache/internal/downloader"
	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/transfer"
)

// ErrNoManifest is returned before any manifest has been adopted.
var ErrNoManifest = errors.New("no manifest adopted yet")

// Fetcher opens the manifest locator. *transfer.Engine implements it.
type Fetcher interface {
	Open(ctx context.Context, locator string) (*transfer.Stream, error)
}

// Requester is the part of the download manager the sync drives.
type Requester interface {
	Query(ctx context.Context, id string) (*storage.VideoRecord, error)
	RequestDownload(ctx context.Context, req downloader.Request) (downloader.Outcome, *storage.VideoRecord, error)
}

// Syncer adopts newer manifests and requests their videos that have no record
// yet. Videos that already have a record, including failed ones, are left
// alone so a retry is always an explicit user action. Videos dropped from a
// manifest are never deleted.
type Syncer struct {
	manifestURL string
	fetcher     Fetcher
	requester   Requester
	interval    time.Duration
	cacheFile   string

	mu sync.Mutex // serializes passes

	latestMu sync.RWMutex
	latest   *Manifest
	raw      []byte
}

type Option func(*Syncer)

// WithCacheFile keeps the adopted manifest in path so a restart does not act
// on a manifest it has already adopted.
func WithCacheFile(path string) Option {
	return func(s *Syncer) {
		s.cacheFile = path
	}
}

func NewSyncer(manifestURL string, fetcher Fetcher, requester Requester, interval time.Duration, opts ...Option) *Syncer {
	s := &Syncer{
		manifestURL: manifestURL,
		fetcher:     fetcher,
		requester:   requester,
		interval:    interval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Load adopts the cached manifest, if any. A missing cache is not an error.
func (s *Syncer) Load(ctx context.Context) error {
	if s.cacheFile == "" {
		return nil
	}

	raw, err := os.ReadFile(s.cacheFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read cached manifest: %w", err)
	}

	manifest, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("cached manifest: %w", err)
	}

	s.adopt(manifest, raw)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "loaded cached manifest",
		"manifest", manifest.Name, "date", manifest.Date, "version", manifest.Version)

	return nil
}

// Fetch downloads and parses the manifest. It returns the raw document too.
func (s *Syncer) Fetch(ctx context.Context) (*Manifest, []byte, error) {
	stream, err := s.fetcher.Open(ctx, s.manifestURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer stream.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(stream.Body, maxManifestSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	manifest, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}

	return manifest, raw, nil
}

// Latest returns the adopted manifest and its raw document.
func (s *Syncer) Latest() (*Manifest, []byte, error) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()

	if s.latest == nil {
		return nil, nil, ErrNoManifest
	}

	return s.latest, s.raw, nil
}

func (s *Syncer) adopt(manifest *Manifest, raw []byte) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()

	s.latest = manifest
	s.raw = raw
}

func (s *Syncer) save(raw []byte) error {
	if s.cacheFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.cacheFile), 0o755); err != nil {
		return err
	}

	tmp := s.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, s.cacheFile)
}

// Sync runs one pass and returns how many downloads it started. Only a
// manifest dated after the adopted one is acted on. It is adopted once every
// one of its videos has a record, so a failed pass is repeated.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	manifest, raw, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	if current, _, err := s.Latest(); err == nil && !manifest.NewerThan(current) {
		logger.InfoContext(ctx, "manifest is up to date", "manifest", current.Name, "date", current.Date)

		return 0, nil
	}

	videos := manifest.Videos()
	logger.InfoContext(ctx, "found updated manifest",
		"manifest", manifest.Name, "date", manifest.Date, "version", manifest.Version, "video_count", len(videos))

	var (
		requested int
		errs      []error
	)

	for _, v := range videos {
		videoLogger := logger.With("video_id", v.ID)

		_, err := s.requester.Query(ctx, v.ID)
		if err == nil {
			videoLogger.DebugContext(ctx, "skipping video because it already has a record")

			continue
		}

		if !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("query %s: %w", v.ID, err))

			continue
		}

		outcome, _, err := s.requester.RequestDownload(ctx, downloader.Request{
			ID:        v.ID,
			Name:      v.Name,
			SourceURL: v.URI,
			SHA256:    v.SHA256,
			FileSize:  v.FileSize,
		})
		if err != nil {
			videoLogger.ErrorContext(ctx, "failed to request manifest video", "err", err)
			errs = append(errs, fmt.Errorf("request %s: %w", v.ID, err))

			continue
		}

		if outcome == downloader.OutcomeAccepted {
			requested++
		}
	}

	logger.InfoContext(ctx, "manifest sync finished", "requested", requested, "errors", len(errs))

	if len(errs) > 0 {
		return requested, errors.Join(errs...)
	}

	if err := s.save(raw); err != nil {
		logger.ErrorContext(ctx, "failed to cache manifest", "file", s.cacheFile, "err", err)
	}

	s.adopt(manifest, raw)

	return requested, nil
}

// SectionStatus is one manifest section with the records of its videos.
// Videos without a record are left out.
type SectionStatus struct {
	Name   string
	Videos []storage.VideoRecord
}

// Sections joins the adopted manifest with the current records, in manifest order.
func (s *Syncer) Sections(ctx context.Context) ([]SectionStatus, error) {
	manifest, _, err := s.Latest()
	if err != nil {
		return nil, err
	}

	sections := make([]SectionStatus, 0, len(manifest.Sections))

	for _, sec := range manifest.Sections {
		status := SectionStatus{Name: sec.Name, Videos: []storage.VideoRecord{}}

		for _, v := range sec.Content {
			rec, err := s.requester.Query(ctx, v.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}

				return nil, fmt.Errorf("query %s: %w", v.ID, err)
			}

			status.Videos = append(status.Videos, *rec)
		}

		sections = append(sections, status)
	}

	return sections, nil
}

// Run syncs at start and then every interval until ctx is done. A panic
// restarts the loop after a short backoff.
func (s *Syncer) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting catalog sync", "manifest_url", s.manifestURL, "interval", s.interval)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("catalog sync panic",
					"operation", "sync_manifest",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting catalog sync after panic", "operation", "sync_manifest")
					time.Sleep(time.Second)
					s.Run(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				logger.Error("failed to sync manifest", "err", err)
			}

			select {
			case <-ctx.Done():
				logger.Info("catalog sync shutdown",
					"operation", "sync_manifest",
					"reason", "context_cancelled")

				return
			case <-ticker.C:
			}
		}
	}()
}
