package storage

import (
	"time"
)

// Task statuses. A task starts PENDING, is promoted to DOWNLOADING by the
// queue processor, and ends in COMPLETED, FAILED or CANCELLED. PAUSED and
// FAILED tasks can re-enter PENDING.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusPaused      = "paused"
	StatusCancelled   = "cancelled"
)

// Media kinds for download tasks.
const (
	MediaMovie   = "movie"
	MediaEpisode = "episode"
)

// Download modes. Parallel admits up to max_parallel_downloads per source,
// sequential admits a single transfer across all sources.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Monitored media kinds. Categories expand to their current listings on
// every discovery pass, series expand to their episodes.
const (
	MonitorCategoryMovie  = "category_movie"
	MonitorCategorySeries = "category_series"
	MonitorSeries         = "series"
)

// DownloadTask is one requested media transfer and its lifecycle record.
type DownloadTask struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SourceID  uint   `gorm:"index" json:"source_id"`
	MediaType string `json:"media_type"` // movie or episode
	MediaID   string `gorm:"index" json:"media_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	SavePath  string `json:"save_path"` // stable once the transfer starts

	Status          string  `gorm:"index;default:pending" json:"status"`
	Progress        float64 `gorm:"default:0" json:"progress"` // 0..100
	FileSize        int64   `json:"file_size"`                 // total bytes, known once headers arrive
	DownloadedBytes int64   `gorm:"default:0" json:"downloaded_bytes"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	PausedAt    *time.Time `json:"paused_at"`

	ErrorMessage string `json:"error_message"`
	DispatchID   string `json:"-"` // handle of the in-flight worker invocation
	Priority     int    `gorm:"default:0" json:"priority"` // higher = sooner

	RetryCount        int        `gorm:"default:0" json:"retry_count"`
	MaxRetries        int        `gorm:"default:3" json:"max_retries"`
	NextRetryAt       *time.Time `json:"next_retry_at"`
	RetryDelaySeconds int        `gorm:"default:60" json:"retry_delay_seconds"`

	SpeedLimitKBps         int     `json:"speed_limit_kbps"` // 0 = inherit global
	CurrentSpeedKBps       float64 `json:"current_speed_kbps"`
	EstimatedTimeRemaining int     `json:"estimated_time_remaining"` // seconds

	ScheduledStartAt *time.Time `json:"scheduled_start_at"`
	ScheduledEndAt   *time.Time `json:"scheduled_end_at"`

	FileHash     string `json:"file_hash"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (DownloadTask) TableName() string {
	return "download_tasks"
}

// Source is an upstream provider account owning media items and a
// parallelism limit.
type Source struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"-"`

	IsActive             bool `gorm:"default:true" json:"is_active"`
	MaxParallelDownloads int  `gorm:"default:2" json:"max_parallel_downloads"`

	MoviesDir string `json:"movies_dir"`
	SeriesDir string `json:"series_dir"`

	CreatedAt time.Time `json:"created_at"`
}

func (Source) TableName() string {
	return "sources"
}

// MonitoredMedia is a category or series watched by the discovery pass.
type MonitoredMedia struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SourceID  uint   `gorm:"index" json:"source_id"`
	MediaType string `json:"media_type"` // category_movie, category_series, series
	MediaID   string `json:"media_id"`
	Title     string `json:"title"`

	IsActive  bool       `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastCheck *time.Time `json:"last_check"`
}

func (MonitoredMedia) TableName() string {
	return "monitored_media"
}

// GlobalSettings is the singleton engine configuration row. It is created
// lazily with defaults on first read and never deleted.
type GlobalSettings struct {
	ID uint `gorm:"primaryKey" json:"id"`

	GlobalSpeedLimitKBps      int `gorm:"default:1024" json:"global_speed_limit_kbps"`
	PerDownloadSpeedLimitKBps int `gorm:"default:0" json:"per_download_speed_limit_kbps"`

	QuietHoursEnabled     bool   `gorm:"default:true" json:"quiet_hours_enabled"`
	QuietHoursStart       string `gorm:"default:00:00" json:"quiet_hours_start"`
	QuietHoursEnd         string `gorm:"default:08:00" json:"quiet_hours_end"`
	PauseDuringQuietHours bool   `gorm:"default:true" json:"pause_during_quiet_hours"`

	DownloadMode string `gorm:"default:parallel" json:"download_mode"` // parallel or sequential

	DefaultMaxRetries     int     `gorm:"default:3" json:"default_max_retries"`
	RetryDelayBaseSeconds int     `gorm:"default:60" json:"retry_delay_base_seconds"`
	RetryDelayMultiplier  float64 `gorm:"default:2.0" json:"retry_delay_multiplier"`

	MaxRedirects             int `gorm:"default:10" json:"max_redirects"`
	ConnectionTimeoutSeconds int `gorm:"default:30" json:"connection_timeout_seconds"`

	KeepCompletedDays  int  `gorm:"default:30" json:"keep_completed_days"`
	KeepFailedDays     int  `gorm:"default:7" json:"keep_failed_days"`
	AutoCleanupEnabled bool `gorm:"default:true" json:"auto_cleanup_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (GlobalSettings) TableName() string {
	return "download_settings_global"
}

// DailyStatistics aggregates download outcomes per calendar day.
type DailyStatistics struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Date string `gorm:"uniqueIndex" json:"date"` // YYYY-MM-DD

	TotalDownloads     int `gorm:"default:0" json:"total_downloads"`
	CompletedDownloads int `gorm:"default:0" json:"completed_downloads"`
	FailedDownloads    int `gorm:"default:0" json:"failed_downloads"`
	CancelledDownloads int `gorm:"default:0" json:"cancelled_downloads"`

	TotalBytesDownloaded int64   `gorm:"default:0" json:"total_bytes_downloaded"`
	AverageSpeedKBps     float64 `gorm:"default:0" json:"average_speed_kbps"`

	CreatedAt time.Time `json:"created_at"`
}

func (DailyStatistics) TableName() string {
	return "download_statistics"
}

// IsTerminal reports whether the task has reached a state the engine will
// not move it out of on its own.
func (t *DownloadTask) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}
