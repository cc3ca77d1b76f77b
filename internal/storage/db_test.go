package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPromoteTaskIsConditional(t *testing.T) {
	store := newTestStore(t)

	task := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "10", Status: StatusPending}
	require.NoError(t, store.CreateTask(&task))

	won, err := store.PromoteTask(task.ID)
	require.NoError(t, err)
	assert.True(t, won)

	// A second promotion attempt for the same task must lose.
	won, err = store.PromoteTask(task.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestPromoteTaskSkipsNonPending(t *testing.T) {
	store := newTestStore(t)

	task := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "11", Status: StatusPaused}
	require.NoError(t, store.CreateTask(&task))

	won, err := store.PromoteTask(task.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPendingTasksOrdering(t *testing.T) {
	store := newTestStore(t)

	low := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "1", Status: StatusPending, Priority: 1}
	high := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "2", Status: StatusPending, Priority: 10}
	mid := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "3", Status: StatusPending, Priority: 5}
	require.NoError(t, store.CreateTask(&low))
	require.NoError(t, store.CreateTask(&high))
	require.NoError(t, store.CreateTask(&mid))

	tasks, err := store.PendingTasks(1, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "2", tasks[0].MediaID)
	assert.Equal(t, "3", tasks[1].MediaID)
	assert.Equal(t, "1", tasks[2].MediaID)
}

func TestPendingTasksFIFOWithinPriority(t *testing.T) {
	store := newTestStore(t)

	first := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "a", Status: StatusPending, CreatedAt: time.Now().Add(-time.Hour)}
	second := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "b", Status: StatusPending}
	require.NoError(t, store.CreateTask(&first))
	require.NoError(t, store.CreateTask(&second))

	tasks, err := store.PendingTasks(1, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].MediaID)
	assert.Equal(t, "b", tasks[1].MediaID)
}

func TestCountDownloading(t *testing.T) {
	store := newTestStore(t)

	for i, srcID := range []uint{1, 1, 2} {
		task := DownloadTask{SourceID: srcID, MediaType: MediaMovie, MediaID: string(rune('a' + i)), Status: StatusDownloading}
		require.NoError(t, store.CreateTask(&task))
	}

	n, err := store.CountDownloading(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.CountDownloading(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGetSettingsCreatesDefaults(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 1024, settings.GlobalSpeedLimitKBps)
	assert.Equal(t, 3, settings.DefaultMaxRetries)
	assert.Equal(t, ModeParallel, settings.DownloadMode)
	assert.NotZero(t, settings.ID)

	// Second read returns the same row, not a new one.
	again, err := store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, settings.ID, again.ID)
}

func TestRetentionSweeps(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now()

	expired := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "1", Status: StatusCompleted, CompletedAt: &old}
	kept := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "2", Status: StatusCompleted, CompletedAt: &recent}
	oldFailed := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "3", Status: StatusFailed, CreatedAt: old}
	require.NoError(t, store.CreateTask(&expired))
	require.NoError(t, store.CreateTask(&kept))
	require.NoError(t, store.CreateTask(&oldFailed))

	n, err := store.DeleteCompletedBefore(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteFailedBefore(time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetTask(kept.ID)
	assert.NoError(t, err)
	_, err = store.GetTask(expired.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRecordOutcomeAggregates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordOutcome(OutcomeCompleted, 1000, 100))
	require.NoError(t, store.RecordOutcome(OutcomeCompleted, 500, 200))
	require.NoError(t, store.RecordOutcome(OutcomeFailed, 0, 0))
	require.NoError(t, store.RecordOutcome(OutcomeCancelled, 0, 0))

	stats, err := store.GetStatistics(7)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	today := stats[0]
	assert.Equal(t, 4, today.TotalDownloads)
	assert.Equal(t, 2, today.CompletedDownloads)
	assert.Equal(t, 1, today.FailedDownloads)
	assert.Equal(t, 1, today.CancelledDownloads)
	assert.Equal(t, int64(1500), today.TotalBytesDownloaded)
	assert.InDelta(t, 150, today.AverageSpeedKBps, 0.01)
}

func TestUpsertMonitoredReactivates(t *testing.T) {
	store := newTestStore(t)

	item := MonitoredMedia{SourceID: 1, MediaType: MonitorSeries, MediaID: "55", Title: "Show", IsActive: true}
	require.NoError(t, store.UpsertMonitored(&item))

	item.IsActive = false
	require.NoError(t, store.DB.Save(&item).Error)

	again := MonitoredMedia{SourceID: 1, MediaType: MonitorSeries, MediaID: "55", Title: "Show", IsActive: true}
	require.NoError(t, store.UpsertMonitored(&again))
	assert.Equal(t, item.ID, again.ID)

	items, err := store.ListMonitored(true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsActive)
}

func TestExistingMediaIDsQualifiesByType(t *testing.T) {
	store := newTestStore(t)

	movie := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "7", Status: StatusCompleted}
	episode := DownloadTask{SourceID: 1, MediaType: MediaEpisode, MediaID: "7", Status: StatusPending}
	other := DownloadTask{SourceID: 2, MediaType: MediaMovie, MediaID: "8", Status: StatusPending}
	require.NoError(t, store.CreateTask(&movie))
	require.NoError(t, store.CreateTask(&episode))
	require.NoError(t, store.CreateTask(&other))

	ids, err := store.ExistingMediaIDs(1)
	require.NoError(t, err)
	assert.True(t, ids["movie:7"])
	assert.True(t, ids["episode:7"])
	assert.False(t, ids["movie:8"])
}

func TestBatchOperations(t *testing.T) {
	store := newTestStore(t)

	var ids []uint
	for i, status := range []string{StatusFailed, StatusPaused, StatusDownloading} {
		task := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: string(rune('a' + i)), Status: status}
		require.NoError(t, store.CreateTask(&task))
		ids = append(ids, task.ID)
	}

	require.NoError(t, store.BatchRetryTasks(ids[:1]))
	got, _ := store.GetTask(ids[0])
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, store.BatchResumeTasks(ids[1:2]))
	got, _ = store.GetTask(ids[1])
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, store.BatchPauseTasks(ids[2:]))
	got, _ = store.GetTask(ids[2])
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, store.BatchDeleteTasks(ids))
	tasks, err := store.ListTasks(TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		task := DownloadTask{Status: s}
		assert.True(t, task.IsTerminal(), s)
	}
	for _, s := range []string{StatusPending, StatusDownloading, StatusPaused} {
		task := DownloadTask{Status: s}
		assert.False(t, task.IsTerminal(), s)
	}
}

func TestListTasksFilters(t *testing.T) {
	store := newTestStore(t)

	a := DownloadTask{SourceID: 1, MediaType: MediaMovie, MediaID: "1", Title: "Alpha", Status: StatusPending}
	b := DownloadTask{SourceID: 1, MediaType: MediaEpisode, MediaID: "2", Title: "Beta", Status: StatusCompleted}
	require.NoError(t, store.CreateTask(&a))
	require.NoError(t, store.CreateTask(&b))

	tasks, err := store.ListTasks(TaskFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Alpha", tasks[0].Title)

	tasks, err = store.ListTasks(TaskFilter{Query: "eta"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Beta", tasks[0].Title)

	tasks, err = store.ListTasks(TaskFilter{MediaType: MediaEpisode})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
