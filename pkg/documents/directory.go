package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
	"chatwithit/pkg/notify"
	"chatwithit/pkg/storage"
)

const (
	// UploadLimit caps how many documents a user may hold.
	UploadLimit = 12

	DefaultPollInterval = 5 * time.Second

	defaultStatConcurrency = 8
	defaultPollTimeout     = 30 * time.Second

	uploadTooltip   = "This demonstration version allows a maximum of 12 document uploads. Please delete some existing documents to upload new ones."
	msgDeleteFailed = "Failed to delete document"
)

var (
	ErrUploadLimitReached = errors.New("upload limit reached")
	ErrDeleteInProgress   = errors.New("document is already being deleted")
	ErrUserRequired       = errors.New("user id is required")
)

// Remover deletes the index artifacts derived from an uploaded file.
type Remover interface {
	DeleteDocument(ctx context.Context, fileName string) error
}

// DeleteGuard reports whether a document may be deleted right now.
type DeleteGuard interface {
	CanDelete(fileName string) bool
}

// File is one upload.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

type Config struct {
	UserID          string
	Store           storage.BlobStore
	Remover         Remover
	Notifier        notify.Notifier
	Clock           clock.Clock
	PollInterval    time.Duration
	StatConcurrency int
}

// Directory polls the user's blob namespace and mirrors it as documents.
// Every poll replaces the snapshot.
type Directory struct {
	userID      string
	store       storage.BlobStore
	remover     Remover
	notifier    notify.Notifier
	clock       clock.Clock
	interval    time.Duration
	concurrency int

	mu        sync.Mutex
	docs      []domain.Document
	loading   bool
	uploading bool
	deleting  map[string]bool
	seq       uint64
	applied   uint64
	guard     DeleteGuard
	onChange  func([]domain.Document)

	running bool
	cancel  context.CancelFunc
	timer   clock.Timer
	wg      sync.WaitGroup
}

func New(cfg Config) (*Directory, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, ErrUserRequired
	}
	if cfg.Store == nil {
		return nil, errors.New("documents: blob store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("documents: notifier is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	concurrency := cfg.StatConcurrency
	if concurrency <= 0 {
		concurrency = defaultStatConcurrency
	}
	return &Directory{
		userID:      cfg.UserID,
		store:       cfg.Store,
		remover:     cfg.Remover,
		notifier:    cfg.Notifier,
		clock:       clk,
		interval:    interval,
		concurrency: concurrency,
		loading:     true,
		deleting:    make(map[string]bool),
	}, nil
}

// SetGuard wires the status reconciler's delete check.
func (d *Directory) SetGuard(g DeleteGuard) {
	d.mu.Lock()
	d.guard = g
	d.mu.Unlock()
}

// OnChange registers a hook called with every published snapshot.
func (d *Directory) OnChange(fn func([]domain.Document)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// List reads the namespace once. Entries whose metadata cannot be read are
// skipped. Documents are ordered by upload time, newest first.
func (d *Directory) List(ctx context.Context) ([]domain.Document, error) {
	keys, err := d.store.List(ctx, storage.DocumentPrefix(d.userID))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	found := make([]*domain.Document, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			info, err := d.store.Stat(gctx, key)
			if err != nil {
				slog.Warn("skip document without metadata", "key", key, "err", err)
				return nil
			}
			found[i] = documentFromInfo(info)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(found))
	for _, doc := range found {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].Name < docs[j].Name
	})
	return docs, nil
}

func documentFromInfo(info storage.ObjectInfo) *domain.Document {
	updated := info.Updated
	return &domain.Document{
		ID:          info.Name,
		Name:        info.Name,
		Size:        info.Size,
		Status:      domain.DocumentCompleted,
		UploadedAt:  info.Created,
		ProcessedAt: &updated,
	}
}

// Start polls immediately and then every poll interval until Stop.
func (d *Directory) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	d.poll(ctx)

	d.mu.Lock()
	d.scheduleLocked(ctx)
	d.mu.Unlock()
}

func (d *Directory) scheduleLocked(ctx context.Context) {
	if !d.running {
		return
	}
	d.wg.Add(1)
	d.timer = d.clock.AfterFunc(d.interval, func() {
		defer d.wg.Done()
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			return
		}
		d.poll(ctx)
		d.mu.Lock()
		d.scheduleLocked(ctx)
		d.mu.Unlock()
	})
}

// Stop ends polling and waits for an in-flight poll.
func (d *Directory) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}
	d.timer = nil
	d.mu.Unlock()
	d.wg.Wait()
}

// Refresh polls once outside the schedule.
func (d *Directory) Refresh(ctx context.Context) {
	d.poll(ctx)
}

func (d *Directory) poll(ctx context.Context) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, defaultPollTimeout)
	docs, err := d.List(pollCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("document poll failed", "user_id", d.userID, "err", err)
		docs = []domain.Document{}
	}

	d.mu.Lock()
	if seq < d.applied {
		d.mu.Unlock()
		return
	}
	d.applied = seq
	d.docs = docs
	d.loading = false
	hook := d.onChange
	d.mu.Unlock()
	if hook != nil {
		hook(copyDocs(docs))
	}
}

// Documents returns the latest snapshot.
func (d *Directory) Documents() []domain.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyDocs(d.docs)
}

// Loading is true until the first poll completes.
func (d *Directory) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

func (d *Directory) Uploading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploading
}

// Deleting reports whether a Delete of fileName is in flight.
func (d *Directory) Deleting(fileName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleting[fileName]
}

// CanUpload reports whether the user is below the upload cap.
func (d *Directory) CanUpload() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs) < UploadLimit
}

// UploadTooltip explains a disabled upload control, "" while uploads are allowed.
func (d *Directory) UploadTooltip() string {
	if d.CanUpload() {
		return ""
	}
	return uploadTooltip
}

// Upload stores every file under the user's namespace, overwriting same-named
// objects. A failing file does not stop the others. The cap is only checked
// before the first file.
func (d *Directory) Upload(ctx context.Context, files ...File) error {
	if len(files) == 0 {
		return nil
	}
	if !d.CanUpload() {
		return ErrUploadLimitReached
	}
	d.mu.Lock()
	d.uploading = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.uploading = false
		d.mu.Unlock()
	}()

	var result UploadError
	for _, f := range files {
		if err := d.put(ctx, f); err != nil {
			slog.Error("upload failed", "file_name", f.Name, "err", err)
			result.Failed = append(result.Failed, FileFailure{Name: f.Name, Err: err})
			continue
		}
		result.Uploaded = append(result.Uploaded, f.Name)
	}
	if len(result.Failed) > 0 {
		d.notifier.Error("Failed to upload "+strings.Join(result.FailedNames(), ", "), "")
	}
	d.Refresh(ctx)
	if len(result.Failed) == 0 {
		return nil
	}
	return &result
}

// FileFailure is one file a batch upload could not store.
type FileFailure struct {
	Name string
	Err  error
}

// UploadError reports a batch where at least one file failed. Uploaded lists
// the files that were stored anyway.
type UploadError struct {
	Uploaded []string
	Failed   []FileFailure
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload: %d of %d files failed: %s",
		len(e.Failed), len(e.Failed)+len(e.Uploaded), strings.Join(e.FailedNames(), ", "))
}

func (e *UploadError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	return out
}

func (e *UploadError) FailedNames() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Name)
	}
	return out
}

// Partial is true when some files in the batch were stored.
func (e *UploadError) Partial() bool {
	return len(e.Uploaded) > 0
}

func (d *Directory) put(ctx context.Context, f File) error {
	if err := storage.ValidateFileName(f.Name); err != nil {
		return err
	}
	if f.Body == nil {
		return fmt.Errorf("upload %s: empty body", f.Name)
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := d.store.Put(ctx, storage.DocumentKey(d.userID, f.Name), f.Body, f.Size, contentType); err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}
	return nil
}

// Delete removes a document in two phases: the backend drops its index
// artifacts (best effort), then the blob is deleted. The snapshot only
// changes on the next poll.
func (d *Directory) Delete(ctx context.Context, fileName string) error {
	if err := storage.ValidateFileName(fileName); err != nil {
		return err
	}
	d.mu.Lock()
	guard := d.guard
	d.mu.Unlock()
	if guard != nil && !guard.CanDelete(fileName) {
		return ErrDeleteInProgress
	}
	d.mu.Lock()
	if d.deleting[fileName] {
		d.mu.Unlock()
		return ErrDeleteInProgress
	}
	d.deleting[fileName] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.deleting, fileName)
		d.mu.Unlock()
	}()

	if d.remover != nil {
		if err := d.remover.DeleteDocument(ctx, fileName); err != nil {
			slog.Warn("delete document artifacts failed, continuing with blob delete", "file_name", fileName, "err", err)
		}
	}
	if err := d.store.Delete(ctx, storage.DocumentKey(d.userID, fileName)); err != nil {
		slog.Error("delete document blob failed", "file_name", fileName, "err", err)
		d.notifier.Error(msgDeleteFailed, "")
		return fmt.Errorf("delete %s: %w", fileName, err)
	}
	return nil
}

func copyDocs(docs []domain.Document) []domain.Document {
	out := make([]domain.Document, len(docs))
	copy(out, docs)
	return out
}
