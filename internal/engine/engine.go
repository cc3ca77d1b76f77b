// Package engine implements the resumable download queue: admission control,
// throttled transfers, retry supervision and periodic maintenance.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"streamarr/internal/catalog"
	"streamarr/internal/dispatch"
	"streamarr/internal/resolver"
	"streamarr/internal/storage"
)

// Options tunes the engine's pool size and cadences.
type Options struct {
	Workers            int
	CheckpointInterval time.Duration // pause/cancel poll cadence during transfer
	ProgressInterval   time.Duration // durable progress commit cadence
	QueueInterval      time.Duration // periodic queue processor beat
	MaintenanceSpec    string        // cron spec for the maintenance beat
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 5 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
	if o.QueueInterval <= 0 {
		o.QueueInterval = 5 * time.Minute
	}
	if o.MaintenanceSpec == "" {
		o.MaintenanceSpec = "@hourly"
	}
}

// Engine owns the download lifecycle. All shared mutable state lives in the
// task store; the engine coordinates by re-reading rows, never by holding
// task state in memory.
type Engine struct {
	logger     *slog.Logger
	store      *storage.Store
	resolver   resolver.Resolver
	newCatalog catalog.Factory
	dispatcher *dispatch.Dispatcher
	bandwidth  *BandwidthController
	cron       *cron.Cron
	opts       Options

	// Serializes queue processor runs within this process. Cross-process
	// safety comes from the conditional promotion update, not from this.
	procMu sync.Mutex
}

func New(logger *slog.Logger, store *storage.Store, res resolver.Resolver, factory catalog.Factory, opts Options) *Engine {
	opts.withDefaults()
	e := &Engine{
		logger:     logger,
		store:      store,
		resolver:   res,
		newCatalog: factory,
		bandwidth:  NewBandwidthController(),
		cron:       cron.New(),
		opts:       opts,
	}
	e.dispatcher = dispatch.New(logger, opts.Workers, e.runTask)
	return e
}

// Start recovers orphaned tasks, launches the worker pool and arms the
// periodic beats. The beats call the same ProcessQueue/RunMaintenance entry
// points as edge-triggered calls.
func (e *Engine) Start() error {
	e.dispatcher.Start()
	e.RunMaintenance(context.Background())

	queueSpec := fmt.Sprintf("@every %s", e.opts.QueueInterval)
	if _, err := e.cron.AddFunc(queueSpec, e.ProcessQueue); err != nil {
		return fmt.Errorf("schedule queue beat: %w", err)
	}
	if _, err := e.cron.AddFunc(e.opts.MaintenanceSpec, func() {
		e.RunMaintenance(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule maintenance beat: %w", err)
	}
	e.cron.Start()

	e.ProcessQueue()
	return nil
}

// Stop halts the beats and cancels running transfers. Tasks left in
// DOWNLOADING are reset to PENDING by recovery on the next start.
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
	e.dispatcher.Stop()
	if err := e.store.Checkpoint(); err != nil {
		e.logger.Error("failed to checkpoint database", "error", err)
	}
	e.logger.Info("engine stopped")
}

// EnqueueRequest describes one media item to fetch.
type EnqueueRequest struct {
	SourceID  uint
	MediaType string
	MediaID   string
	Title     string // optional explicit title
	Trigger   bool   // run the queue processor immediately
}

// Enqueue creates a PENDING task for the media item, or returns the existing
// task unchanged when a non-terminal (or completed) one already covers the
// same (source, kind, media) triple. The returned bool reports whether a new
// task was created.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*storage.DownloadTask, bool, error) {
	source, err := e.store.GetSource(req.SourceID)
	if err != nil {
		return nil, false, fmt.Errorf("source not found: %w", err)
	}
	if req.MediaType != storage.MediaMovie && req.MediaType != storage.MediaEpisode {
		return nil, false, fmt.Errorf("invalid media type %q", req.MediaType)
	}

	existing, err := e.store.FindTask(req.SourceID, req.MediaType, req.MediaID)
	if err == nil && !reEnqueueable(existing.Status) {
		return &existing, false, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	cat := e.newCatalog(source)
	title := req.Title
	if title == "" {
		title, err = e.lookupTitle(ctx, cat, req.MediaType, req.MediaID)
		if err != nil {
			e.logger.Warn("title lookup failed, using placeholder", "media_id", req.MediaID, "error", err)
		}
	}

	settings, err := e.store.GetSettings()
	if err != nil {
		return nil, false, err
	}

	task := storage.DownloadTask{
		SourceID:          req.SourceID,
		MediaType:         req.MediaType,
		MediaID:           req.MediaID,
		Title:             title,
		URL:               cat.StreamURL(req.MediaType, req.MediaID, "mp4"),
		Status:            storage.StatusPending,
		MaxRetries:        settings.DefaultMaxRetries,
		RetryDelaySeconds: settings.RetryDelayBaseSeconds,
	}
	if err := e.store.CreateTask(&task); err != nil {
		return nil, false, err
	}
	e.logger.Info("task queued", "id", task.ID, "title", task.Title)

	if req.Trigger {
		e.ProcessQueue()
	}
	return &task, true, nil
}

// reEnqueueable reports whether a new task may be created while a prior one
// for the same media exists in the given status. FAILED and CANCELLED
// records stay behind as history; everything else is returned as-is.
func reEnqueueable(status string) bool {
	return status == storage.StatusFailed || status == storage.StatusCancelled
}

func (e *Engine) lookupTitle(ctx context.Context, cat catalog.Client, mediaType, mediaID string) (string, error) {
	placeholder := fmt.Sprintf("%s_%s", mediaType, mediaID)
	if mediaType != storage.MediaMovie {
		return placeholder, nil
	}
	movies, err := cat.Movies(ctx, "")
	if err != nil {
		return placeholder, err
	}
	for _, m := range movies {
		if m.StreamID.String() == mediaID {
			return m.Name, nil
		}
	}
	return placeholder, nil
}

// BulkResult reports one item's outcome from a bulk enqueue.
type BulkResult struct {
	ID      uint   `json:"id,omitempty"`
	MediaID string `json:"media_id"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EnqueueBulk queues many media items. The "series" kind expands to one task
// per episode via the catalog. The queue processor runs once at the end.
func (e *Engine) EnqueueBulk(ctx context.Context, sourceID uint, mediaType string, mediaIDs []string, titles []string) ([]BulkResult, error) {
	source, err := e.store.GetSource(sourceID)
	if err != nil {
		return nil, fmt.Errorf("source not found: %w", err)
	}

	var results []BulkResult
	for i, mediaID := range mediaIDs {
		title := ""
		if i < len(titles) {
			title = titles[i]
		}

		if mediaType == "series" {
			results = append(results, e.enqueueSeries(ctx, source, mediaID)...)
			continue
		}

		task, _, err := e.Enqueue(ctx, EnqueueRequest{
			SourceID:  sourceID,
			MediaType: mediaType,
			MediaID:   mediaID,
			Title:     title,
		})
		if err != nil {
			results = append(results, BulkResult{MediaID: mediaID, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{ID: task.ID, MediaID: mediaID, Title: task.Title, Status: task.Status})
	}

	e.ProcessQueue()
	return results, nil
}

func (e *Engine) enqueueSeries(ctx context.Context, source storage.Source, seriesID string) []BulkResult {
	cat := e.newCatalog(source)
	name, episodes, err := cat.SeriesEpisodes(ctx, seriesID)
	if err != nil {
		return []BulkResult{{MediaID: seriesID, Error: fmt.Sprintf("failed to expand series: %v", err)}}
	}

	var results []BulkResult
	for _, ep := range episodes {
		task, _, err := e.Enqueue(ctx, EnqueueRequest{
			SourceID:  source.ID,
			MediaType: storage.MediaEpisode,
			MediaID:   ep.ID.String(),
			Title:     episodeTitle(name, ep),
		})
		if err != nil {
			results = append(results, BulkResult{MediaID: ep.ID.String(), Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{ID: task.ID, MediaID: ep.ID.String(), Title: task.Title, Status: task.Status})
	}
	return results
}

// episodeTitle builds "Series - SxxEyy - Episode Title".
func episodeTitle(seriesName string, ep catalog.Episode) string {
	title := fmt.Sprintf("%s - S%02dE%02d", seriesName, ep.Season, ep.EpisodeNum.Int())
	epTitle := ep.Title
	if len(epTitle) > 4 && epTitle[len(epTitle)-4:] == ".mp4" {
		epTitle = epTitle[:len(epTitle)-4]
	}
	if epTitle != "" {
		title += " - " + epTitle
	}
	return title
}

// CancelOrDelete cancels a running download (the worker observes the status
// change and discards the partial file) or deletes the record outright for
// anything not running.
func (e *Engine) CancelOrDelete(id uint) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}

	if task.Status == storage.StatusDownloading {
		if task.DispatchID != "" {
			e.dispatcher.Terminate(task.DispatchID)
		}
		task.Status = storage.StatusCancelled
		return e.store.SaveTask(&task)
	}

	// Incomplete partial files have no further use once the record is gone.
	if task.SavePath != "" && task.Status != storage.StatusCompleted {
		if err := os.Remove(task.SavePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove partial file", "path", task.SavePath, "error", err)
		}
	}
	return e.store.DeleteTask(id)
}

// Retry resets a task to PENDING with a clean retry budget and triggers the
// queue processor.
func (e *Engine) Retry(id uint) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	task.Status = storage.StatusPending
	task.ErrorMessage = ""
	task.RetryCount = 0
	task.NextRetryAt = nil
	if err := e.store.SaveTask(&task); err != nil {
		return err
	}
	e.ProcessQueue()
	return nil
}

// Pause marks a DOWNLOADING task PAUSED. The running worker observes this at
// its next checkpoint and stops without discarding partial bytes.
func (e *Engine) Pause(id uint) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusDownloading {
		return fmt.Errorf("only downloading tasks can be paused")
	}
	now := time.Now()
	task.Status = storage.StatusPaused
	task.PausedAt = &now
	return e.store.SaveTask(&task)
}

// Resume moves a PAUSED task back to PENDING and triggers the queue
// processor.
func (e *Engine) Resume(id uint) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusPaused {
		return fmt.Errorf("only paused tasks can be resumed")
	}
	task.Status = storage.StatusPending
	if err := e.store.SaveTask(&task); err != nil {
		return err
	}
	e.ProcessQueue()
	return nil
}

// SetPriority sets an absolute priority. Higher values are scheduled sooner.
func (e *Engine) SetPriority(id uint, priority int) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	task.Priority = priority
	return e.store.SaveTask(&task)
}

// MovePriority shifts priority by delta, clamped at zero.
func (e *Engine) MovePriority(id uint, delta int) (int, error) {
	task, err := e.store.GetTask(id)
	if err != nil {
		return 0, err
	}
	task.Priority += delta
	if task.Priority < 0 {
		task.Priority = 0
	}
	if err := e.store.SaveTask(&task); err != nil {
		return 0, err
	}
	return task.Priority, nil
}

// BatchRetry resets the given tasks and triggers the queue processor.
func (e *Engine) BatchRetry(ids []uint) error {
	if err := e.store.BatchRetryTasks(ids); err != nil {
		return err
	}
	e.ProcessQueue()
	return nil
}

// BatchResume moves paused tasks back to PENDING and triggers the processor.
func (e *Engine) BatchResume(ids []uint) error {
	if err := e.store.BatchResumeTasks(ids); err != nil {
		return err
	}
	e.ProcessQueue()
	return nil
}

// runTask is the dispatch entry point: one worker invocation for one task.
func (e *Engine) runTask(ctx context.Context, taskID uint) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		e.logger.Error("dispatched task not found", "id", taskID, "error", err)
		return
	}
	// Only promoted tasks run. Anything else was cancelled, paused or
	// completed between promotion and pickup.
	if task.Status != storage.StatusDownloading {
		return
	}

	settings, err := e.store.GetSettings()
	if err != nil {
		e.failResolution(&task, fmt.Errorf("load settings: %w", err))
		return
	}
	source, err := e.store.GetSource(task.SourceID)
	if err != nil {
		e.failResolution(&task, fmt.Errorf("load source: %w", err))
		return
	}

	// The save path is resolved once and stays stable; resume depends on it.
	if task.SavePath == "" {
		path, err := e.resolver.Resolve(task, source)
		if err != nil {
			e.failResolution(&task, fmt.Errorf("resolve target path: %w", err))
			return
		}
		task.SavePath = path
		if err := e.store.SaveTask(&task); err != nil {
			e.logger.Error("failed to persist save path", "id", task.ID, "error", err)
			return
		}
	}

	e.bandwidth.SetAggregateLimit(settings.GlobalSpeedLimitKBps * 1024)

	result, err := e.performTransfer(ctx, &task, settings)
	switch {
	case err != nil:
		e.superviseRetry(&task, settings, err)
	case result == transferInterrupted:
		e.finishInterrupted(&task)
	default:
		e.finishCompleted(&task)
	}
}

// failResolution marks a task FAILED immediately. Resolution errors are not
// retried; retry policy only applies to the transfer step.
func (e *Engine) failResolution(task *storage.DownloadTask, err error) {
	e.logger.Error("task failed before transfer", "id", task.ID, "error", err)
	task.Status = storage.StatusFailed
	task.ErrorMessage = err.Error()
	if saveErr := e.store.SaveTask(task); saveErr != nil {
		e.logger.Error("failed to persist failure", "id", task.ID, "error", saveErr)
	}
	if statErr := e.store.RecordOutcome(storage.OutcomeFailed, 0, 0); statErr != nil {
		e.logger.Error("failed to record statistics", "error", statErr)
	}
}

func (e *Engine) finishCompleted(task *storage.DownloadTask) {
	now := time.Now()
	task.Status = storage.StatusCompleted
	task.CompletedAt = &now
	task.Progress = 100
	task.ErrorMessage = ""
	task.EstimatedTimeRemaining = 0
	if err := e.store.SaveTask(task); err != nil {
		e.logger.Error("failed to persist completion", "id", task.ID, "error", err)
		return
	}
	if err := e.store.RecordOutcome(storage.OutcomeCompleted, task.DownloadedBytes, task.CurrentSpeedKBps); err != nil {
		e.logger.Error("failed to record statistics", "error", err)
	}
	e.logger.Info("download completed", "id", task.ID, "title", task.Title, "bytes", task.DownloadedBytes)

	// A slot just freed up.
	e.ProcessQueue()
}

// finishInterrupted handles a transfer stopped by pause or cancel. The
// status row was already written by the user action; cancelled transfers
// additionally discard the partial file.
func (e *Engine) finishInterrupted(task *storage.DownloadTask) {
	current, err := e.store.GetTask(task.ID)
	if err != nil {
		return
	}
	switch current.Status {
	case storage.StatusCancelled:
		if current.SavePath != "" {
			if err := os.Remove(current.SavePath); err != nil && !os.IsNotExist(err) {
				e.logger.Warn("failed to remove cancelled file", "path", current.SavePath, "error", err)
			}
		}
		if err := e.store.RecordOutcome(storage.OutcomeCancelled, 0, 0); err != nil {
			e.logger.Error("failed to record statistics", "error", err)
		}
		e.logger.Info("download cancelled", "id", task.ID)
	case storage.StatusPaused:
		e.logger.Info("download paused", "id", task.ID, "bytes", task.DownloadedBytes)
	}
	e.ProcessQueue()
}
