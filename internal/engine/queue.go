package engine

import (
	"time"

	"streamarr/internal/storage"
)

// ProcessQueue is the admission step: it promotes eligible PENDING tasks to
// DOWNLOADING and hands them to the worker pool, respecting per-source
// concurrency bounds (or global single-flight in sequential mode). It is
// safe to call from anywhere; runs are serialized and promotion itself is a
// conditional update, so concurrent calls never double-dispatch a task.
func (e *Engine) ProcessQueue() {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	settings, err := e.store.GetSettings()
	if err != nil {
		e.logger.Error("queue processor failed to load settings", "error", err)
		return
	}
	if settings.PauseDuringQuietHours && inQuietHours(settings, time.Now()) {
		e.logger.Debug("quiet hours active, deferring admission")
		return
	}

	if settings.DownloadMode == storage.ModeSequential {
		e.admitSequential()
		return
	}
	e.admitParallel()
}

// admitParallel fills each active source's slots up to its
// max_parallel_downloads, highest priority first (FIFO within a priority).
func (e *Engine) admitParallel() {
	sources, err := e.store.ListActiveSources()
	if err != nil {
		e.logger.Error("queue processor failed to list sources", "error", err)
		return
	}

	now := time.Now()
	for _, src := range sources {
		active, err := e.store.CountDownloading(src.ID)
		if err != nil {
			continue
		}
		maxParallel := src.MaxParallelDownloads
		if maxParallel <= 0 {
			maxParallel = 2
		}
		available := maxParallel - int(active)
		if available <= 0 {
			continue
		}

		pending, err := e.store.PendingTasks(src.ID, 0)
		if err != nil {
			continue
		}
		for _, task := range pending {
			if available == 0 {
				break
			}
			if !eligibleNow(task, now) {
				continue
			}
			if e.promoteAndDispatch(task.ID) {
				available--
			}
		}
	}
}

// admitSequential dispatches at most one task across all sources.
func (e *Engine) admitSequential() {
	active, err := e.store.CountDownloading(0)
	if err != nil || active >= 1 {
		return
	}

	pending, err := e.store.PendingTasks(0, 0)
	if err != nil {
		return
	}
	now := time.Now()
	for _, task := range pending {
		if !eligibleNow(task, now) {
			continue
		}
		if e.promoteAndDispatch(task.ID) {
			return
		}
	}
}

// eligibleNow filters out tasks scheduled for a future start and tasks whose
// retry backoff has not elapsed.
func eligibleNow(task storage.DownloadTask, now time.Time) bool {
	if task.ScheduledStartAt != nil && task.ScheduledStartAt.After(now) {
		return false
	}
	if task.NextRetryAt != nil && task.NextRetryAt.After(now) {
		return false
	}
	return true
}

// promoteAndDispatch performs the conditional PENDING->DOWNLOADING update and
// hands the task to the pool only when this call won the promotion.
func (e *Engine) promoteAndDispatch(id uint) bool {
	won, err := e.store.PromoteTask(id)
	if err != nil {
		e.logger.Error("promotion failed", "id", id, "error", err)
		return false
	}
	if !won {
		return false
	}

	handle := e.dispatcher.Dispatch(id)
	if err := e.store.SetDispatchID(id, handle); err != nil {
		e.logger.Error("failed to record dispatch handle", "id", id, "error", err)
	}
	e.logger.Info("task dispatched", "id", id, "handle", handle)
	return true
}

// scheduleQueueRun arms a one-shot queue processor run, used to re-admit a
// task when its retry backoff elapses.
func (e *Engine) scheduleQueueRun(delay time.Duration) {
	time.AfterFunc(delay, e.ProcessQueue)
}
