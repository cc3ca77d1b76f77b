package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store handles all database operations using SQLite.
type Store struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at the given path and migrates the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	// Pure Go SQLite, no CGO.
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between the API and workers.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	err = db.AutoMigrate(
		&DownloadTask{},
		&Source{},
		&MonitoredMedia{},
		&GlobalSettings{},
		&DailyStatistics{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability.
func (s *Store) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Tasks =============

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status    string
	MediaType string
	Query     string // substring match against title
}

func (s *Store) CreateTask(task *DownloadTask) error {
	return s.DB.Create(task).Error
}

func (s *Store) SaveTask(task *DownloadTask) error {
	return s.DB.Save(task).Error
}

func (s *Store) GetTask(id uint) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Store) DeleteTask(id uint) error {
	return s.DB.Delete(&DownloadTask{}, "id = ?", id).Error
}

// ListTasks returns tasks matching the filter, highest priority and newest
// first.
func (s *Store) ListTasks(f TaskFilter) ([]DownloadTask, error) {
	query := s.DB.Model(&DownloadTask{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.MediaType != "" {
		query = query.Where("media_type = ?", f.MediaType)
	}
	if f.Query != "" {
		query = query.Where("title LIKE ?", "%"+f.Query+"%")
	}
	var tasks []DownloadTask
	err := query.Order("priority desc, created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Store) ListTasksByStatus(status string) ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Where("status = ?", status).Find(&tasks).Error
	return tasks, err
}

// FindTask returns the most recent task for a (source, kind, media) triple.
func (s *Store) FindTask(sourceID uint, mediaType, mediaID string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.Where("source_id = ? AND media_type = ? AND media_id = ?",
		sourceID, mediaType, mediaID).
		Order("created_at desc").First(&task).Error
	return task, err
}

// CountDownloading returns the number of DOWNLOADING tasks for a source, or
// across all sources when sourceID is 0. Per-source concurrency state is
// derived from this count, never stored.
func (s *Store) CountDownloading(sourceID uint) (int64, error) {
	query := s.DB.Model(&DownloadTask{}).Where("status = ?", StatusDownloading)
	if sourceID != 0 {
		query = query.Where("source_id = ?", sourceID)
	}
	var n int64
	err := query.Count(&n).Error
	return n, err
}

// PendingTasks returns up to limit PENDING tasks ordered by the admission
// tie-break: priority descending, then FIFO by creation time. sourceID 0
// spans all sources, limit 0 means no limit.
func (s *Store) PendingTasks(sourceID uint, limit int) ([]DownloadTask, error) {
	query := s.DB.Where("status = ?", StatusPending).
		Order("priority desc, created_at asc")
	if sourceID != 0 {
		query = query.Where("source_id = ?", sourceID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []DownloadTask
	err := query.Find(&tasks).Error
	return tasks, err
}

// PromoteTask conditionally moves a task from PENDING to DOWNLOADING. It
// reports false when the task was no longer PENDING, which is how two racing
// queue processor runs are prevented from double-dispatching one task.
func (s *Store) PromoteTask(id uint) (bool, error) {
	now := time.Now()
	res := s.DB.Model(&DownloadTask{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusDownloading,
			"started_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// SetDispatchID records the worker-pool handle assigned at dispatch time.
func (s *Store) SetDispatchID(id uint, dispatchID string) error {
	return s.DB.Model(&DownloadTask{}).Where("id = ?", id).
		Update("dispatch_id", dispatchID).Error
}

// UpdateTaskProgress persists the per-second transfer sample.
func (s *Store) UpdateTaskProgress(id uint, progress float64, downloaded int64, speedKBps float64, etaSeconds int) error {
	return s.DB.Model(&DownloadTask{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":                 progress,
		"downloaded_bytes":         downloaded,
		"current_speed_kbps":       speedKBps,
		"estimated_time_remaining": etaSeconds,
	}).Error
}

// ============= Batch operations =============

func (s *Store) BatchDeleteTasks(ids []uint) error {
	return s.DB.Delete(&DownloadTask{}, "id IN ?", ids).Error
}

func (s *Store) BatchRetryTasks(ids []uint) error {
	return s.DB.Model(&DownloadTask{}).Where("id IN ?", ids).Updates(map[string]interface{}{
		"status":        StatusPending,
		"error_message": "",
		"retry_count":   0,
		"next_retry_at": nil,
	}).Error
}

func (s *Store) BatchPauseTasks(ids []uint) error {
	now := time.Now()
	return s.DB.Model(&DownloadTask{}).
		Where("id IN ? AND status = ?", ids, StatusDownloading).
		Updates(map[string]interface{}{
			"status":    StatusPaused,
			"paused_at": now,
		}).Error
}

func (s *Store) BatchResumeTasks(ids []uint) error {
	return s.DB.Model(&DownloadTask{}).
		Where("id IN ? AND status = ?", ids, StatusPaused).
		Update("status", StatusPending).Error
}

// ============= Retention =============

// DeleteCompletedBefore removes COMPLETED tasks whose completion predates
// the cutoff. Returns the number of rows removed.
func (s *Store) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	res := s.DB.Where("status = ? AND completed_at < ?", StatusCompleted, cutoff).
		Delete(&DownloadTask{})
	return res.RowsAffected, res.Error
}

// DeleteFailedBefore removes FAILED tasks created before the cutoff.
func (s *Store) DeleteFailedBefore(cutoff time.Time) (int64, error) {
	res := s.DB.Where("status = ? AND created_at < ?", StatusFailed, cutoff).
		Delete(&DownloadTask{})
	return res.RowsAffected, res.Error
}

// ============= Sources =============

func (s *Store) GetSource(id uint) (Source, error) {
	var src Source
	err := s.DB.First(&src, "id = ?", id).Error
	return src, err
}

func (s *Store) CreateSource(src *Source) error {
	return s.DB.Create(src).Error
}

func (s *Store) ListActiveSources() ([]Source, error) {
	var sources []Source
	err := s.DB.Where("is_active = ?", true).Find(&sources).Error
	return sources, err
}

// ============= Monitored media =============

func (s *Store) ListMonitored(activeOnly bool) ([]MonitoredMedia, error) {
	query := s.DB.Model(&MonitoredMedia{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var items []MonitoredMedia
	err := query.Find(&items).Error
	return items, err
}

// UpsertMonitored creates the watch entry, or reactivates an existing one
// for the same (source, kind, media) triple.
func (s *Store) UpsertMonitored(item *MonitoredMedia) error {
	var existing MonitoredMedia
	err := s.DB.Where("source_id = ? AND media_type = ? AND media_id = ?",
		item.SourceID, item.MediaType, item.MediaID).First(&existing).Error
	if err == nil {
		existing.IsActive = true
		*item = existing
		return s.DB.Save(&existing).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.DB.Create(item).Error
}

func (s *Store) DeleteMonitored(id uint) error {
	return s.DB.Delete(&MonitoredMedia{}, "id = ?", id).Error
}

func (s *Store) TouchMonitored(id uint) error {
	now := time.Now()
	return s.DB.Model(&MonitoredMedia{}).Where("id = ?", id).
		Update("last_check", now).Error
}

// ExistingMediaIDs returns "mediaType:mediaID" keys for every task of a
// source, for duplicate suppression during discovery.
func (s *Store) ExistingMediaIDs(sourceID uint) (map[string]bool, error) {
	var rows []struct {
		MediaType string
		MediaID   string
	}
	err := s.DB.Model(&DownloadTask{}).Where("source_id = ?", sourceID).
		Select("media_type", "media_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.MediaType+":"+r.MediaID] = true
	}
	return out, nil
}

// ============= Settings =============

// GetSettings returns the singleton settings row, creating it with defaults
// on first read. A missing row is a configuration error the store self-heals
// rather than surfaces.
func (s *Store) GetSettings() (GlobalSettings, error) {
	var settings GlobalSettings
	err := s.DB.First(&settings).Error
	if err == gorm.ErrRecordNotFound {
		settings = defaultSettings()
		if err := s.DB.Create(&settings).Error; err != nil {
			return settings, err
		}
		return settings, nil
	}
	return settings, err
}

func (s *Store) SaveSettings(settings *GlobalSettings) error {
	settings.UpdatedAt = time.Now()
	return s.DB.Save(settings).Error
}

func defaultSettings() GlobalSettings {
	return GlobalSettings{
		GlobalSpeedLimitKBps:     1024,
		QuietHoursEnabled:        true,
		QuietHoursStart:          "00:00",
		QuietHoursEnd:            "08:00",
		PauseDuringQuietHours:    true,
		DownloadMode:             "parallel",
		DefaultMaxRetries:        3,
		RetryDelayBaseSeconds:    60,
		RetryDelayMultiplier:     2.0,
		MaxRedirects:             10,
		ConnectionTimeoutSeconds: 30,
		KeepCompletedDays:        30,
		KeepFailedDays:           7,
		AutoCleanupEnabled:       true,
	}
}

// ============= Statistics =============

// Outcome classifies a finished transfer attempt for daily statistics.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// RecordOutcome updates today's statistics row at the end of a transfer
// attempt. Bytes and speed are only credited on success.
func (s *Store) RecordOutcome(outcome Outcome, bytes int64, speedKBps float64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stats DailyStatistics
		err := tx.Where("date = ?", today).First(&stats).Error
		if err == gorm.ErrRecordNotFound {
			stats = DailyStatistics{Date: today}
			if err := tx.Create(&stats).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		stats.TotalDownloads++
		switch outcome {
		case OutcomeCompleted:
			stats.TotalBytesDownloaded += bytes
			if speedKBps > 0 {
				n := float64(stats.CompletedDownloads)
				stats.AverageSpeedKBps = (stats.AverageSpeedKBps*n + speedKBps) / (n + 1)
			}
			stats.CompletedDownloads++
		case OutcomeFailed:
			stats.FailedDownloads++
		case OutcomeCancelled:
			stats.CancelledDownloads++
		}
		return tx.Save(&stats).Error
	})
}

// GetStatistics returns the last N days of daily statistics, newest first.
func (s *Store) GetStatistics(days int) ([]DailyStatistics, error) {
	var stats []DailyStatistics
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}
