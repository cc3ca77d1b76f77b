package engine

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"streamarr/internal/storage"
)

// DownloadChunkSize is the read buffer size. Small enough that throttling
// and checkpoint latency stay responsive.
const DownloadChunkSize = 64 * 1024

type transferResult int

const (
	transferCompleted transferResult = iota
	transferInterrupted
)

// newTransferClient builds an HTTP client from the connection settings. The
// client has no overall timeout; a stalled read is bounded by the dial
// timeout and the request context.
func newTransferClient(settings storage.GlobalSettings) *http.Client {
	timeout := time.Duration(settings.ConnectionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRedirects := settings.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // we want raw bytes
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// performTransfer streams the task's URL to its save path, resuming from any
// partial file on disk. It returns transferInterrupted when a pause/cancel
// was observed (at a checkpoint or through context cancellation) and an
// error for retryable transfer failures.
func (e *Engine) performTransfer(ctx context.Context, task *storage.DownloadTask, settings storage.GlobalSettings) (transferResult, error) {
	var existingSize int64
	if fi, err := os.Stat(task.SavePath); err == nil {
		existingSize = fi.Size()
	}
	task.DownloadedBytes = existingSize
	if err := e.store.SaveTask(task); err != nil {
		return 0, err
	}

	client := newTransferClient(settings)
	defer client.CloseIdleConnections()

	restarted := false // range-ignored restart happens at most once per attempt
	reset416 := false

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
		if err != nil {
			return 0, err
		}
		if existingSize > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return transferInterrupted, nil
			}
			return 0, err
		}

		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			resp.Body.Close()
			done, probeErr := e.probeAlreadyComplete(ctx, client, task, existingSize)
			if probeErr == nil && done {
				return transferCompleted, nil
			}
			if reset416 {
				return 0, fmt.Errorf("range not satisfiable even after restart from zero")
			}
			reset416 = true
			existingSize = 0
			task.DownloadedBytes = 0
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return 0, fmt.Errorf("server returned status %d", resp.StatusCode)
		}

		truncate := existingSize == 0
		if resp.StatusCode == http.StatusOK && existingSize > 0 {
			// Server ignored the range and sent full content. Discard
			// progress and restart in overwrite mode.
			if restarted {
				resp.Body.Close()
				return 0, fmt.Errorf("server ignored range request twice")
			}
			e.logger.Warn("server ignored range request, restarting from zero", "id", task.ID)
			restarted = true
			existingSize = 0
			task.DownloadedBytes = 0
			truncate = true
		}

		if resp.StatusCode == http.StatusPartialContent {
			if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
				task.FileSize = total
			}
		} else if resp.ContentLength > 0 {
			task.FileSize = resp.ContentLength
		}
		if err := e.store.SaveTask(task); err != nil {
			resp.Body.Close()
			return 0, err
		}

		interrupted, err := e.streamBody(ctx, task, settings, resp.Body, existingSize, truncate)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}
		if interrupted {
			return transferInterrupted, nil
		}

		// Verify the full byte range arrived before declaring success.
		if task.FileSize > 0 && task.DownloadedBytes < task.FileSize {
			return 0, fmt.Errorf("transfer ended early: %d of %d bytes", task.DownloadedBytes, task.FileSize)
		}
		if task.FileSize == 0 {
			task.FileSize = task.DownloadedBytes
		}
		return transferCompleted, nil
	}
}

// streamBody copies the response body to disk in fixed-size chunks with
// throttling, periodic checkpoints and once-per-second durable progress.
// It reports interrupted=true when a pause/cancel was observed.
func (e *Engine) streamBody(ctx context.Context, task *storage.DownloadTask, settings storage.GlobalSettings, body io.Reader, existingSize int64, truncate bool) (bool, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(task.SavePath, flags, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	capBytesPerSec := effectiveSpeedCap(task, settings)

	buf := make([]byte, DownloadChunkSize)
	start := time.Now()
	lastCheckpoint := start
	sampleStart := start
	var bytesSampled int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := e.bandwidth.Wait(ctx, n); err != nil {
				return true, nil // context cancelled while waiting
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return false, err
			}
			task.DownloadedBytes += int64(n)
			bytesSampled += int64(n)

			// Leaky throttle anchored to cumulative bytes since the resume
			// offset, so per-chunk timing error never accumulates.
			if capBytesPerSec > 0 {
				expected := time.Duration(float64(task.DownloadedBytes-existingSize) / float64(capBytesPerSec) * float64(time.Second))
				if elapsed := time.Since(start); elapsed < expected {
					select {
					case <-time.After(expected - elapsed):
					case <-ctx.Done():
						return true, nil
					}
				}
			}
		}

		now := time.Now()

		// Checkpoint: re-read the persisted status. This is the sole
		// pause/cancel mechanism besides context cancellation.
		if now.Sub(lastCheckpoint) >= e.opts.CheckpointInterval {
			current, err := e.store.GetTask(task.ID)
			if err == nil && (current.Status == storage.StatusPaused || current.Status == storage.StatusCancelled) {
				e.logger.Info("transfer interrupted by status change", "id", task.ID, "status", current.Status)
				e.commitProgress(task, bytesSampled, now.Sub(sampleStart))
				return true, nil
			}
			lastCheckpoint = now
		}

		// Durable progress once per second. The only point where progress
		// is committed mid-transfer.
		if elapsed := now.Sub(sampleStart); elapsed >= e.opts.ProgressInterval {
			e.commitProgress(task, bytesSampled, elapsed)
			bytesSampled = 0
			sampleStart = now
		}

		if readErr != nil {
			if readErr == io.EOF {
				return false, nil
			}
			if ctx.Err() != nil {
				return true, nil
			}
			return false, readErr
		}
	}
}

func (e *Engine) commitProgress(task *storage.DownloadTask, bytesSampled int64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	speedKBps := float64(bytesSampled) / 1024 / elapsed.Seconds()
	task.CurrentSpeedKBps = speedKBps
	if task.FileSize > 0 {
		task.Progress = math.Min(float64(task.DownloadedBytes)/float64(task.FileSize)*100, 99.9)
		if speedKBps > 0 {
			remainingKB := float64(task.FileSize-task.DownloadedBytes) / 1024
			task.EstimatedTimeRemaining = int(remainingKB / speedKBps)
		}
	}
	err := e.store.UpdateTaskProgress(task.ID, task.Progress, task.DownloadedBytes, speedKBps, task.EstimatedTimeRemaining)
	if err != nil {
		e.logger.Warn("failed to persist progress", "id", task.ID, "error", err)
	}
}

// probeAlreadyComplete handles 416: a header-only probe checks whether the
// local file already equals the remote size.
func (e *Engine) probeAlreadyComplete(ctx context.Context, client *http.Client, task *storage.DownloadTask, existingSize int64) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, task.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	serverSize := resp.ContentLength
	if serverSize > 0 && existingSize >= serverSize {
		task.FileSize = serverSize
		task.DownloadedBytes = existingSize
		return true, e.store.SaveTask(task)
	}
	return false, nil
}

// effectiveSpeedCap merges the per-task override with global settings at
// transfer start. Returns bytes per second, 0 for unlimited.
func effectiveSpeedCap(task *storage.DownloadTask, settings storage.GlobalSettings) int64 {
	capKBps := task.SpeedLimitKBps
	if capKBps <= 0 {
		capKBps = settings.PerDownloadSpeedLimitKBps
	}
	if capKBps <= 0 {
		capKBps = settings.GlobalSpeedLimitKBps
	}
	if capKBps <= 0 {
		return 0
	}
	return int64(capKBps) * 1024
}

// parseContentRangeTotal extracts the total size from a header like
// "bytes 100-999/5000". A "*" total reports no size.
func parseContentRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, false
	}
	totalStr := header[idx+1:]
	if totalStr == "*" || totalStr == "" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
