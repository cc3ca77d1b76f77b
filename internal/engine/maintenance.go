package engine

import (
	"context"
	"time"

	"streamarr/internal/catalog"
	"streamarr/internal/storage"
)

// RunMaintenance performs the periodic housekeeping pass: crash recovery for
// orphaned tasks, retention cleanup of old terminal records, and discovery of
// new items for monitored media. Runs at startup and on the maintenance beat.
func (e *Engine) RunMaintenance(ctx context.Context) {
	settings, err := e.store.GetSettings()
	if err != nil {
		e.logger.Error("maintenance failed to load settings", "error", err)
		return
	}

	recovered := e.recoverOrphans()
	e.sweepRetention(settings)
	added := e.discoverMonitored(ctx, settings)

	if recovered > 0 || added > 0 {
		e.ProcessQueue()
	}
}

// recoverOrphans resets DOWNLOADING rows with no live worker back to PENDING.
// These are leftovers from a crash or unclean shutdown; their partial files
// stay on disk so the next transfer resumes where it stopped.
func (e *Engine) recoverOrphans() int {
	tasks, err := e.store.ListTasksByStatus(storage.StatusDownloading)
	if err != nil {
		e.logger.Error("recovery failed to list tasks", "error", err)
		return 0
	}

	recovered := 0
	for _, task := range tasks {
		if e.dispatcher.IsLive(task.DispatchID) {
			continue
		}
		task.Status = storage.StatusPending
		task.DispatchID = ""
		task.CurrentSpeedKBps = 0
		task.ErrorMessage = "Recovered: interrupted by restart"
		if err := e.store.SaveTask(&task); err != nil {
			e.logger.Error("recovery failed to reset task", "id", task.ID, "error", err)
			continue
		}
		e.logger.Warn("recovered orphaned task", "id", task.ID, "title", task.Title,
			"bytes", task.DownloadedBytes)
		recovered++
	}
	return recovered
}

// sweepRetention deletes COMPLETED and FAILED records past their keep windows.
func (e *Engine) sweepRetention(settings storage.GlobalSettings) {
	if !settings.AutoCleanupEnabled {
		return
	}
	now := time.Now()

	if settings.KeepCompletedDays > 0 {
		cutoff := now.AddDate(0, 0, -settings.KeepCompletedDays)
		n, err := e.store.DeleteCompletedBefore(cutoff)
		if err != nil {
			e.logger.Error("retention sweep failed", "status", storage.StatusCompleted, "error", err)
		} else if n > 0 {
			e.logger.Info("removed old completed records", "count", n)
		}
	}
	if settings.KeepFailedDays > 0 {
		cutoff := now.AddDate(0, 0, -settings.KeepFailedDays)
		n, err := e.store.DeleteFailedBefore(cutoff)
		if err != nil {
			e.logger.Error("retention sweep failed", "status", storage.StatusFailed, "error", err)
		} else if n > 0 {
			e.logger.Info("removed old failed records", "count", n)
		}
	}
}

// discoverMonitored expands each active monitored item to its current catalog
// listing and queues any media not already covered by a task. Returns the
// number of tasks created.
func (e *Engine) discoverMonitored(ctx context.Context, settings storage.GlobalSettings) int {
	items, err := e.store.ListMonitored(true)
	if err != nil {
		e.logger.Error("discovery failed to list monitored media", "error", err)
		return 0
	}

	added := 0
	for _, item := range items {
		source, err := e.store.GetSource(item.SourceID)
		if err != nil || !source.IsActive {
			continue
		}
		existing, err := e.store.ExistingMediaIDs(source.ID)
		if err != nil {
			continue
		}
		cat := e.newCatalog(source)

		n := 0
		switch item.MediaType {
		case storage.MonitorCategoryMovie:
			n = e.discoverMovies(ctx, cat, source, item.MediaID, existing, settings)
		case storage.MonitorSeries:
			n = e.discoverSeries(ctx, cat, source, item.MediaID, existing, settings)
		case storage.MonitorCategorySeries:
			list, err := cat.SeriesList(ctx, item.MediaID)
			if err != nil {
				e.logger.Warn("discovery failed to list series", "monitored", item.ID, "error", err)
				break
			}
			for _, s := range list {
				n += e.discoverSeries(ctx, cat, source, s.SeriesID.String(), existing, settings)
			}
		}

		if err := e.store.TouchMonitored(item.ID); err != nil {
			e.logger.Warn("failed to update last check", "monitored", item.ID, "error", err)
		}
		if n > 0 {
			e.logger.Info("discovery queued new media", "monitored", item.ID, "title", item.Title, "count", n)
		}
		added += n
	}
	return added
}

func (e *Engine) discoverMovies(ctx context.Context, cat catalog.Client, source storage.Source, categoryID string, existing map[string]bool, settings storage.GlobalSettings) int {
	movies, err := cat.Movies(ctx, categoryID)
	if err != nil {
		e.logger.Warn("discovery failed to list movies", "category", categoryID, "error", err)
		return 0
	}

	added := 0
	for _, m := range movies {
		id := m.StreamID.String()
		if id == "" || existing[storage.MediaMovie+":"+id] {
			continue
		}
		task := storage.DownloadTask{
			SourceID:          source.ID,
			MediaType:         storage.MediaMovie,
			MediaID:           id,
			Title:             m.Name,
			URL:               cat.StreamURL(storage.MediaMovie, id, m.ContainerExtension),
			Status:            storage.StatusPending,
			MaxRetries:        settings.DefaultMaxRetries,
			RetryDelaySeconds: settings.RetryDelayBaseSeconds,
			ThumbnailURL:      m.StreamIcon,
		}
		if err := e.store.CreateTask(&task); err != nil {
			e.logger.Warn("discovery failed to queue movie", "media_id", id, "error", err)
			continue
		}
		existing[storage.MediaMovie+":"+id] = true
		added++
	}
	return added
}

func (e *Engine) discoverSeries(ctx context.Context, cat catalog.Client, source storage.Source, seriesID string, existing map[string]bool, settings storage.GlobalSettings) int {
	name, episodes, err := cat.SeriesEpisodes(ctx, seriesID)
	if err != nil {
		e.logger.Warn("discovery failed to expand series", "series", seriesID, "error", err)
		return 0
	}

	added := 0
	for _, ep := range episodes {
		id := ep.ID.String()
		if id == "" || existing[storage.MediaEpisode+":"+id] {
			continue
		}
		task := storage.DownloadTask{
			SourceID:          source.ID,
			MediaType:         storage.MediaEpisode,
			MediaID:           id,
			Title:             episodeTitle(name, ep),
			URL:               cat.StreamURL(storage.MediaEpisode, id, ep.ContainerExtension),
			Status:            storage.StatusPending,
			MaxRetries:        settings.DefaultMaxRetries,
			RetryDelaySeconds: settings.RetryDelayBaseSeconds,
		}
		if err := e.store.CreateTask(&task); err != nil {
			e.logger.Warn("discovery failed to queue episode", "media_id", id, "error", err)
			continue
		}
		existing[storage.MediaEpisode+":"+id] = true
		added++
	}
	return added
}
