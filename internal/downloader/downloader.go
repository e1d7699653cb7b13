package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
	"github.com/italolelis/edge_video_cache/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	partSuffix = ".part"

	eventBuffer = 16

	// KindInterrupted marks transfers stopped by a restart or shutdown.
	KindInterrupted = "interrupted"

	msgRestart  = "interrupted by restart"
	msgShutdown = "interrupted by shutdown"
	msgCanceled = "canceled by request"
)

var (
	ErrInvalidState   = errors.New("invalid state for operation")
	ErrInvalidRequest = errors.New("invalid download request")
	ErrShuttingDown   = errors.New("download manager is shutting down")

	errCanceledByRequest = errors.New(msgCanceled)
	errShutdown          = errors.New(msgShutdown)

	sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// progressFailure cancels a transfer whose progress could not be persisted.
type progressFailure struct {
	err error
}

func (e *progressFailure) Error() string {
	return "failed to persist progress: " + e.err.Error()
}

func (e *progressFailure) Unwrap() error {
	return e.err
}

// Outcome tells the caller what RequestDownload did.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeAlreadyActive    Outcome = "already_active"
	OutcomeAlreadyCompleted Outcome = "already_completed"
)

// Request asks for a video to be cached locally.
type Request struct {
	ID        string
	Name      string
	SourceURL string
	SHA256    string
	FileSize  int64
	// Force re-fetches a completed video and disables resume.
	Force bool
}

// Engine runs a single transfer. *transfer.Engine implements it.
type Engine interface {
	Run(ctx context.Context, req transfer.Request, dst transfer.Destination, onProgress transfer.ProgressFunc) (*transfer.Result, error)
}

type Config struct {
	ContentDir  string
	MaxParallel int
	InstanceID  string
}

// Manager owns the download state machine. A record moves to downloading only
// through the store's atomic claim, so at most one transfer runs per id.
type Manager struct {
	repo       storage.VideoRepository
	engine     Engine
	contentDir string
	instanceID string
	sem        *semaphore.Weighted
	telemetry  *telemetry.Telemetry

	mu        sync.Mutex
	active    map[string]*activeTransfer
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	OnDownloadFinished chan *storage.VideoRecord
	OnDownloadFailed   chan *storage.VideoRecord
}

type activeTransfer struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	// canceled is set before done is closed when the run ended as canceled.
	canceled bool
}

type job struct {
	id       string
	source   string
	sha256   string
	path     string
	part     string
	offset   int64
	fileSize int64
}

func NewManager(repo storage.VideoRepository, engine Engine, cfg Config, tel *telemetry.Telemetry) *Manager {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = GenerateInstanceID()
	}

	return &Manager{
		repo:               repo,
		engine:             engine,
		contentDir:         cfg.ContentDir,
		instanceID:         cfg.InstanceID,
		sem:                semaphore.NewWeighted(int64(cfg.MaxParallel)),
		telemetry:          tel,
		active:             make(map[string]*activeTransfer),
		OnDownloadFinished: make(chan *storage.VideoRecord, eventBuffer),
		OnDownloadFailed:   make(chan *storage.VideoRecord, eventBuffer),
	}
}

// FilePath returns where the video with id is stored. Ids are hashed so any
// opaque id maps to a safe file name.
func (m *Manager) FilePath(id string) string {
	hash := sha1.Sum([]byte(id))

	return filepath.Join(m.contentDir, hex.EncodeToString(hash[:])+".mp4")
}

// PartPath returns the file a transfer of id writes into. It only replaces
// FilePath once the transfer is verified, so readers of a completed file never
// see a refresh in progress.
func (m *Manager) PartPath(id string) string {
	return m.FilePath(id) + partSuffix
}

// RequestDownload creates the record if needed and starts a transfer unless one
// is already running or the video is complete. The transfer outlives ctx.
// Concurrent requests for the same id are serialized by the store's claim, the
// manager lock only guards the active set.
func (m *Manager) RequestDownload(ctx context.Context, req Request) (Outcome, *storage.VideoRecord, error) {
	ctx, logger := logctx.WithVideoID(ctx, req.ID)

	if err := m.validateRequest(req); err != nil {
		return "", nil, err
	}

	if m.isClosed() {
		return "", nil, ErrShuttingDown
	}

	rec, err := m.ensureRecord(ctx, req)
	if err != nil {
		return "", nil, err
	}

	switch rec.Status {
	case storage.StatusDownloading:
		return OutcomeAlreadyActive, rec, nil
	case storage.StatusCompleted:
		if !req.Force {
			return OutcomeAlreadyCompleted, rec, nil
		}

		if _, err := m.repo.ResetCompleted(ctx, rec.ID); err != nil {
			return "", nil, fmt.Errorf("failed to reset completed video: %w", err)
		}

		logger.InfoContext(ctx, "forced refresh of completed video")
	}

	j := m.plan(rec, req)

	claimed, err := m.repo.Claim(ctx, storage.ClaimRequest{
		ID:         rec.ID,
		InstanceID: m.instanceID,
		SourceURL:  j.source,
		SHA256:     j.sha256,
		FilePath:   []byte(j.path),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to claim download: %w", err)
	}

	if !claimed {
		// Lost a race with another writer. Report whatever state won.
		current, err := m.repo.Get(ctx, rec.ID)
		if err != nil {
			return "", nil, err
		}

		if current.Status == storage.StatusCompleted {
			return OutcomeAlreadyCompleted, current, nil
		}

		return OutcomeAlreadyActive, current, nil
	}

	if err := m.repo.UpdateProgress(ctx, j.id, j.offset, j.fileSize); err != nil {
		msg := fmt.Sprintf("failed to reset progress: %v (retryable)", err)
		if ferr := m.repo.Fail(context.WithoutCancel(ctx), j.id, transfer.KindLocalIO, msg); ferr != nil {
			logger.ErrorContext(ctx, "failed to record failure", "err", ferr)
		}

		return "", nil, fmt.Errorf("failed to reset progress: %w", err)
	}

	tctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	at := &activeTransfer{cancel: cancel, done: make(chan struct{})}

	if !m.register(j.id, at) {
		cancel(errShutdown)
		m.fail(context.WithoutCancel(ctx), j.id, KindInterrupted, msgShutdown)

		return "", nil, ErrShuttingDown
	}

	go m.run(tctx, at, j)

	logger.InfoContext(ctx, "download accepted",
		"resume_offset", humanize.Bytes(uint64(j.offset)),
		"file_size", humanize.Bytes(uint64(j.fileSize)))

	rec, err = m.repo.Get(ctx, j.id)
	if err != nil {
		return "", nil, err
	}

	return OutcomeAccepted, rec, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// register adds a claimed transfer to the active set. It refuses once Shutdown
// has started so every registered transfer is waited for.
func (m *Manager) register(id string, at *activeTransfer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.active[id] = at
	m.wg.Add(1)

	return true
}

func (m *Manager) validateRequest(req Request) error {
	if req.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}

	if req.FileSize < 0 {
		return fmt.Errorf("%w: negative file size", ErrInvalidRequest)
	}

	if req.SHA256 != "" && !sha256Pattern.MatchString(req.SHA256) {
		return fmt.Errorf("%w: sha256 must be 64 hex characters", ErrInvalidRequest)
	}

	if req.SourceURL != "" {
		u, err := url.Parse(req.SourceURL)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: source_url must be an absolute url", ErrInvalidRequest)
		}

		if s, ok := m.engine.(interface{ Supports(locator string) bool }); ok && !s.Supports(req.SourceURL) {
			return fmt.Errorf("%w: unsupported source scheme %q", ErrInvalidRequest, u.Scheme)
		}
	}

	return nil
}

// ensureRecord returns the record for req.ID, creating it in pending first.
func (m *Manager) ensureRecord(ctx context.Context, req Request) (*storage.VideoRecord, error) {
	rec, err := m.repo.Get(ctx, req.ID)
	if err == nil {
		return rec, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if req.SourceURL == "" {
		return nil, fmt.Errorf("%w: source_url is required for a new video", ErrInvalidRequest)
	}

	name := req.Name
	if name == "" {
		name = req.ID
	}

	if _, err := m.repo.CreateIfMissing(ctx, &storage.VideoRecord{
		ID:        req.ID,
		Name:      name,
		FileSize:  req.FileSize,
		Status:    storage.StatusPending,
		SourceURL: req.SourceURL,
		SHA256:    req.SHA256,
	}); err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}

	return m.repo.Get(ctx, req.ID)
}

// plan decides the source and resume offset of the next run.
func (m *Manager) plan(rec *storage.VideoRecord, req Request) job {
	j := job{
		id:       rec.ID,
		source:   req.SourceURL,
		sha256:   req.SHA256,
		path:     m.FilePath(rec.ID),
		part:     m.PartPath(rec.ID),
		fileSize: rec.FileSize,
	}

	if j.source == "" {
		j.source = rec.SourceURL
	}

	sameSource := j.source == rec.SourceURL
	if j.sha256 == "" && sameSource {
		j.sha256 = rec.SHA256
	}

	if m.canResume(rec, req, j) {
		j.offset = rec.DownloadedSize

		return j
	}

	// A stale size would fail every run against the new object, so the origin
	// decides unless the caller declares one.
	switch {
	case req.FileSize > 0:
		j.fileSize = req.FileSize
	case !sameSource, req.Force, rec.FailureKind == transfer.KindIntegrityMismatch:
		j.fileSize = 0
	}

	return j
}

func (m *Manager) canResume(rec *storage.VideoRecord, req Request, j job) bool {
	if req.Force || rec.DownloadedSize <= 0 || j.source != rec.SourceURL {
		return false
	}

	if rec.FailureKind == transfer.KindIntegrityMismatch {
		return false
	}

	if rec.Status != storage.StatusFailed && rec.Status != storage.StatusCanceled {
		return false
	}

	info, err := os.Stat(j.part)
	if err != nil {
		return false
	}

	return info.Size() >= rec.DownloadedSize
}

func (m *Manager) run(ctx context.Context, at *activeTransfer, j job) {
	defer m.wg.Done()
	defer close(at.done)
	defer func() {
		m.mu.Lock()
		// A newer run may already be registered for the same id.
		if m.active[j.id] == at {
			delete(m.active, j.id)
		}
		m.mu.Unlock()
	}()

	logger := logctx.LoggerFromContext(ctx)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, at, j, nil, context.Cause(ctx))

		return
	}
	defer m.sem.Release(1)

	logger.InfoContext(ctx, "download started", "source_url", j.source)

	var res *transfer.Result

	err := m.telemetry.InstrumentDownload(ctx, transfer.Scheme(j.source), func(ctx context.Context) error {
		var err error

		res, err = m.transfer(ctx, at, j)

		return err
	})

	m.finish(ctx, at, j, res, err)
}

func (m *Manager) transfer(ctx context.Context, at *activeTransfer, j job) (*transfer.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(m.contentDir, dirPerm); err != nil {
		return nil, &transfer.LocalIOError{Operation: "mkdir", Err: err}
	}

	f, err := os.OpenFile(j.part, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, &transfer.LocalIOError{Operation: "open", Err: err}
	}
	defer f.Close()

	// Progress writes must land even while the transfer is being canceled.
	writeCtx := context.WithoutCancel(ctx)

	var progressErr error

	onProgress := func(written, total int64) {
		if progressErr != nil {
			return
		}

		if total <= 0 {
			total = j.fileSize
		}

		if err := m.repo.UpdateProgress(writeCtx, j.id, written, total); err != nil {
			progressErr = err
			at.cancel(&progressFailure{err: err})

			return
		}

		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)))
	}

	res, err := m.engine.Run(ctx, transfer.Request{
		Locator:      j.source,
		Offset:       j.offset,
		ExpectedSize: j.fileSize,
		SHA256:       j.sha256,
	}, f, onProgress)
	if err != nil {
		return nil, err
	}

	if err := f.Close(); err != nil {
		return nil, &transfer.LocalIOError{Operation: "close", Err: err}
	}

	// Readers holding the previous file keep their handle to the old inode.
	if err := os.Rename(j.part, j.path); err != nil {
		return nil, &transfer.LocalIOError{Operation: "rename", Err: err}
	}

	return res, nil
}

// finish persists the terminal state of a run.
func (m *Manager) finish(ctx context.Context, at *activeTransfer, j job, res *transfer.Result, err error) {
	logger := logctx.LoggerFromContext(ctx)
	writeCtx := context.WithoutCancel(ctx)

	if err == nil && res != nil {
		if cerr := m.repo.Complete(writeCtx, j.id, res.Written, []byte(j.path)); cerr != nil {
			logger.ErrorContext(ctx, "failed to mark download completed", "err", cerr)
			m.telemetry.RecordSystemError(ctx, "downloader", "complete")
			m.fail(writeCtx, j.id, transfer.KindLocalIO, fmt.Sprintf("failed to record completion: %v (retryable)", cerr))

			return
		}

		logger.InfoContext(ctx, "download completed",
			"size", humanize.Bytes(uint64(res.Written)),
			"resumed", res.Resumed)

		m.emit(writeCtx, m.OnDownloadFinished, j.id)

		return
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)

		var pf *progressFailure

		switch {
		case errors.Is(cause, errCanceledByRequest):
			if cerr := m.repo.Cancel(writeCtx, j.id, msgCanceled); cerr != nil {
				logger.ErrorContext(ctx, "failed to mark download canceled", "err", cerr)
				m.telemetry.RecordSystemError(ctx, "downloader", "cancel")

				return
			}

			at.canceled = true

			logger.InfoContext(ctx, "download canceled")

			return
		case errors.Is(cause, errShutdown):
			logger.WarnContext(ctx, "download interrupted by shutdown")
			m.fail(writeCtx, j.id, KindInterrupted, msgShutdown)

			return
		case errors.As(cause, &pf):
			logger.ErrorContext(ctx, "download stopped", "err", pf)
			m.fail(writeCtx, j.id, transfer.KindLocalIO, pf.Error()+" (retryable)")
			m.emit(writeCtx, m.OnDownloadFailed, j.id)

			return
		}
	}

	kind := transfer.Kind(err)
	message := err.Error()

	switch kind {
	case transfer.KindNetwork, transfer.KindLocalIO:
		message += " (retryable)"
	case transfer.KindIntegrityMismatch:
		message += " (re-request forces a full re-fetch)"
	}

	logger.ErrorContext(ctx, "download failed", "kind", kind, "err", err)

	m.fail(writeCtx, j.id, kind, message)
	m.emit(writeCtx, m.OnDownloadFailed, j.id)
}

func (m *Manager) fail(ctx context.Context, id, kind, message string) {
	if err := m.repo.Fail(ctx, id, kind, message); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to mark download failed", "err", err)
		m.telemetry.RecordSystemError(ctx, "downloader", "fail")
	}
}

// emit publishes the current record without blocking the transfer goroutine.
func (m *Manager) emit(ctx context.Context, ch chan *storage.VideoRecord, id string) {
	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return
	}

	select {
	case ch <- rec:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping download event, no listener ready")
	}
}

// CancelDownload stops an active transfer and waits until the record is canceled.
func (m *Manager) CancelDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	at, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		rec, err := m.repo.Get(ctx, id)
		if err != nil {
			return err
		}

		return fmt.Errorf("%w: video %s is %s", ErrInvalidState, id, rec.Status)
	}

	at.cancel(errCanceledByRequest)

	select {
	case <-at.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !at.canceled {
		return fmt.Errorf("%w: transfer of %s ended before it could be canceled", ErrInvalidState, id)
	}

	return nil
}

// Query returns the current record. It never waits on transfers.
func (m *Manager) Query(ctx context.Context, id string) (*storage.VideoRecord, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) ListAll(ctx context.Context) ([]storage.VideoRecord, error) {
	return m.repo.List(ctx)
}

// Delete removes the record and its file. Active transfers must be canceled first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.active[id]
	m.mu.Unlock()

	// The store refuses to delete a downloading row, which covers a claim
	// that is not registered yet.
	if ok {
		return fmt.Errorf("%w: video %s has an active transfer", ErrInvalidState, id)
	}

	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := m.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrActiveTransfer) {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}

		return err
	}

	paths := []string{m.FilePath(id), m.PartPath(id)}
	if len(rec.FilePath) > 0 && string(rec.FilePath) != paths[0] {
		paths = append(paths, string(rec.FilePath))
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			// The orphan sweep removes it later.
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove video file", "video_id", id, "err", err)
		}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "video deleted", "video_id", id)

	return nil
}

func (m *Manager) Rename(ctx context.Context, id, name string) (*storage.VideoRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	if err := m.repo.Rename(ctx, id, name); err != nil {
		return nil, err
	}

	return m.repo.Get(ctx, id)
}

// Reconcile marks transfers left downloading by a previous process as failed.
// It must run before any download is requested and never restarts anything.
func (m *Manager) Reconcile(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) > 0 {
		return 0, fmt.Errorf("%w: reconcile with %d active transfers", ErrInvalidState, len(m.active))
	}

	n, err := m.repo.FailInterrupted(ctx, msgRestart)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "reconciled interrupted downloads", "count", n)
	}

	return n, nil
}

// ActiveCount returns the number of transfers that are queued or running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// Shutdown interrupts every active transfer and waits for them to be recorded
// as failed. New requests are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true

	for _, at := range m.active {
		at.cancel(errShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfers: %w", ctx.Err())
	}

	m.closeOnce.Do(func() {
		close(m.OnDownloadFinished)
		close(m.OnDownloadFailed)
	})

	return nil
}
