package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/catalog"
	"streamarr/internal/resolver"
	"streamarr/internal/storage"
)

// fakeCatalog serves canned listings so tests never touch a provider.
type fakeCatalog struct {
	movies     []catalog.Movie
	seriesList []catalog.Series
	episodes   map[string][]catalog.Episode
	names      map[string]string
}

func (f *fakeCatalog) Movies(ctx context.Context, categoryID string) ([]catalog.Movie, error) {
	return f.movies, nil
}

func (f *fakeCatalog) SeriesList(ctx context.Context, categoryID string) ([]catalog.Series, error) {
	return f.seriesList, nil
}

func (f *fakeCatalog) SeriesEpisodes(ctx context.Context, seriesID string) (string, []catalog.Episode, error) {
	return f.names[seriesID], f.episodes[seriesID], nil
}

func (f *fakeCatalog) StreamURL(mediaType, mediaID, ext string) string {
	return "http://fake.example/" + mediaType + "/" + mediaID
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *storage.Store) {
	t.Helper()
	return newTestEngineWithCatalog(t, opts, &fakeCatalog{})
}

// newTestEngineWithCatalog builds an engine over a fresh store. Quiet hours
// and the global speed limit are disabled so tests control timing themselves.
// The dispatcher is not started; promoted tasks sit in the job queue.
func newTestEngineWithCatalog(t *testing.T, opts Options, cat catalog.Client) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings, err := store.GetSettings()
	require.NoError(t, err)
	settings.QuietHoursEnabled = false
	settings.GlobalSpeedLimitKBps = 0
	require.NoError(t, store.SaveSettings(&settings))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(t.TempDir(), t.TempDir())
	eng := New(log, store, res, func(storage.Source) catalog.Client { return cat }, opts)
	return eng, store
}

func createSource(t *testing.T, store *storage.Store, maxParallel int) storage.Source {
	t.Helper()
	src := storage.Source{
		Name:                 "test source",
		BaseURL:              "http://fake.example",
		Username:             "u",
		Password:             "p",
		IsActive:             true,
		MaxParallelDownloads: maxParallel,
	}
	require.NoError(t, store.CreateSource(&src))
	return src
}

// blockAdmission configures an always-on quiet window so queue processor
// runs triggered by engine operations never promote anything.
func blockAdmission(t *testing.T, store *storage.Store) {
	t.Helper()
	settings, err := store.GetSettings()
	require.NoError(t, err)
	settings.QuietHoursEnabled = true
	settings.QuietHoursStart = "00:00"
	settings.QuietHoursEnd = "23:59"
	settings.PauseDuringQuietHours = true
	require.NoError(t, store.SaveSettings(&settings))
}

func createPendingTask(t *testing.T, store *storage.Store, sourceID uint, mediaID string, priority int) storage.DownloadTask {
	t.Helper()
	task := storage.DownloadTask{
		SourceID:  sourceID,
		MediaType: storage.MediaMovie,
		MediaID:   mediaID,
		Title:     "Movie " + mediaID,
		URL:       "http://fake.example/movie/" + mediaID,
		Status:    storage.StatusPending,
		Priority:  priority,
	}
	require.NoError(t, store.CreateTask(&task))
	return task
}

func TestEnqueueIsIdempotent(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)

	task, created, err := eng.Enqueue(context.Background(), EnqueueRequest{
		SourceID: src.ID, MediaType: storage.MediaMovie, MediaID: "5", Title: "A Movie",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.StatusPending, task.Status)

	// Second enqueue for the same media returns the existing task.
	again, created, err := eng.Enqueue(context.Background(), EnqueueRequest{
		SourceID: src.ID, MediaType: storage.MediaMovie, MediaID: "5", Title: "A Movie",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, task.ID, again.ID)
}

func TestEnqueueAfterFailureCreatesNewTask(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)

	task, _, err := eng.Enqueue(context.Background(), EnqueueRequest{
		SourceID: src.ID, MediaType: storage.MediaMovie, MediaID: "5", Title: "A Movie",
	})
	require.NoError(t, err)

	task.Status = storage.StatusFailed
	require.NoError(t, store.SaveTask(task))

	fresh, created, err := eng.Enqueue(context.Background(), EnqueueRequest{
		SourceID: src.ID, MediaType: storage.MediaMovie, MediaID: "5", Title: "A Movie",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, task.ID, fresh.ID)
}

func TestEnqueueRejectsUnknownSourceAndKind(t *testing.T) {
	eng, store := newTestEngine(t, Options{})

	_, _, err := eng.Enqueue(context.Background(), EnqueueRequest{SourceID: 99, MediaType: storage.MediaMovie, MediaID: "1"})
	assert.Error(t, err)

	src := createSource(t, store, 2)
	_, _, err = eng.Enqueue(context.Background(), EnqueueRequest{SourceID: src.ID, MediaType: "live", MediaID: "1"})
	assert.Error(t, err)
}

func TestEnqueueBulkExpandsSeries(t *testing.T) {
	cat := &fakeCatalog{
		names: map[string]string{"9": "My Show"},
		episodes: map[string][]catalog.Episode{
			"9": {
				{ID: "91", EpisodeNum: "1", Season: 1, Title: "Pilot"},
				{ID: "92", EpisodeNum: "2", Season: 1, Title: "Second"},
			},
		},
	}
	eng, store := newTestEngineWithCatalog(t, Options{}, cat)
	src := createSource(t, store, 2)
	blockAdmission(t, store)

	results, err := eng.EnqueueBulk(context.Background(), src.ID, "series", []string{"9"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "My Show - S01E01 - Pilot", results[0].Title)

	tasks, err := store.ListTasksByStatus(storage.StatusPending)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestCancelOrDeleteRemovesRecordAndPartialFile(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)

	partial := filepath.Join(t.TempDir(), "partial.mp4")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0644))

	task := createPendingTask(t, store, src.ID, "1", 0)
	task.SavePath = partial
	require.NoError(t, store.SaveTask(&task))

	require.NoError(t, eng.CancelOrDelete(task.ID))

	_, err := store.GetTask(task.ID)
	assert.Error(t, err)
	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
}

func TestCancelOrDeleteMarksDownloadingCancelled(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)

	task := createPendingTask(t, store, src.ID, "1", 0)
	task.Status = storage.StatusDownloading
	require.NoError(t, store.SaveTask(&task))

	require.NoError(t, eng.CancelOrDelete(task.ID))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status)
}

func TestPauseOnlyDownloading(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)
	task := createPendingTask(t, store, src.ID, "1", 0)

	assert.Error(t, eng.Pause(task.ID))

	task.Status = storage.StatusDownloading
	require.NoError(t, store.SaveTask(&task))
	require.NoError(t, eng.Pause(task.ID))

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.NotNil(t, got.PausedAt)
}

func TestResumeOnlyPaused(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)
	blockAdmission(t, store)
	task := createPendingTask(t, store, src.ID, "1", 0)

	assert.Error(t, eng.Resume(task.ID))

	task.Status = storage.StatusPaused
	require.NoError(t, store.SaveTask(&task))
	require.NoError(t, eng.Resume(task.ID))

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, storage.StatusPending, got.Status)
}

func TestRetryResetsBudget(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)
	blockAdmission(t, store)

	task := createPendingTask(t, store, src.ID, "1", 0)
	task.Status = storage.StatusFailed
	task.RetryCount = 3
	task.ErrorMessage = "boom"
	require.NoError(t, store.SaveTask(&task))

	require.NoError(t, eng.Retry(task.ID))

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.NextRetryAt)
}

func TestMovePriorityClampsAtZero(t *testing.T) {
	eng, store := newTestEngine(t, Options{})
	src := createSource(t, store, 2)
	task := createPendingTask(t, store, src.ID, "1", 0)

	p, err := eng.MovePriority(task.ID, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, p)

	p, err = eng.MovePriority(task.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p)
}

func TestEpisodeTitle(t *testing.T) {
	ep := catalog.Episode{EpisodeNum: "3", Season: 2, Title: "The One.mp4"}
	assert.Equal(t, "Show - S02E03 - The One", episodeTitle("Show", ep))

	ep = catalog.Episode{EpisodeNum: "1", Season: 1}
	assert.Equal(t, "Show - S01E01", episodeTitle("Show", ep))
}
