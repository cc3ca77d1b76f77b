package engine

import (
	"fmt"
	"math"
	"time"

	"streamarr/internal/storage"
)

// superviseRetry decides the fate of a failed transfer: re-queue with
// exponential backoff while the retry budget lasts, FAILED once it is spent.
// Re-queued tasks go back through the admission path; the backoff is enforced
// by next_retry_at, not by a privileged deferred dispatch.
func (e *Engine) superviseRetry(task *storage.DownloadTask, settings storage.GlobalSettings, transferErr error) {
	current, err := e.store.GetTask(task.ID)
	if err != nil {
		e.logger.Error("retry supervisor lost task", "id", task.ID, "error", err)
		return
	}
	// A user action mid-failure wins over the retry policy.
	if current.Status != storage.StatusDownloading {
		e.ProcessQueue()
		return
	}

	current.RetryCount++
	maxRetries := current.MaxRetries
	if maxRetries <= 0 {
		maxRetries = settings.DefaultMaxRetries
	}

	if current.RetryCount > maxRetries {
		current.Status = storage.StatusFailed
		current.ErrorMessage = transferErr.Error()
		current.DispatchID = ""
		current.CurrentSpeedKBps = 0
		if err := e.store.SaveTask(&current); err != nil {
			e.logger.Error("failed to persist failure", "id", current.ID, "error", err)
			return
		}
		if err := e.store.RecordOutcome(storage.OutcomeFailed, 0, 0); err != nil {
			e.logger.Error("failed to record statistics", "error", err)
		}
		e.logger.Error("download failed permanently", "id", current.ID, "title", current.Title,
			"retries", current.RetryCount-1, "error", transferErr)
		e.ProcessQueue()
		return
	}

	delay := backoffDelay(current, settings)
	next := time.Now().Add(delay)
	current.Status = storage.StatusPending
	current.NextRetryAt = &next
	current.ErrorMessage = fmt.Sprintf("Retry %d/%d: %v", current.RetryCount, maxRetries, transferErr)
	current.DispatchID = ""
	current.CurrentSpeedKBps = 0
	if err := e.store.SaveTask(&current); err != nil {
		e.logger.Error("failed to persist retry state", "id", current.ID, "error", err)
		return
	}
	e.logger.Warn("transfer failed, retry scheduled", "id", current.ID,
		"attempt", current.RetryCount, "max", maxRetries, "delay", delay, "error", transferErr)

	e.scheduleQueueRun(delay + time.Second)
	e.ProcessQueue() // the freed slot may admit another task now
}

// backoffDelay computes base * multiplier^(n-1) for retry attempt n.
func backoffDelay(task storage.DownloadTask, settings storage.GlobalSettings) time.Duration {
	base := task.RetryDelaySeconds
	if base <= 0 {
		base = settings.RetryDelayBaseSeconds
	}
	if base <= 0 {
		base = 60
	}
	multiplier := settings.RetryDelayMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	seconds := float64(base) * math.Pow(multiplier, float64(task.RetryCount-1))
	return time.Duration(seconds * float64(time.Second))
}
