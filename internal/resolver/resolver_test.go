package resolver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/storage"
)

func TestResolveMovie(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, t.TempDir())

	task := storage.DownloadTask{MediaType: storage.MediaMovie, MediaID: "42", Title: "Some Movie: Part 2"}
	path, err := r.Resolve(task, storage.Source{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Some Movie- Part 2.mp4"), path)
}

func TestResolveMovieEmptyTitle(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, t.TempDir())

	task := storage.DownloadTask{MediaType: storage.MediaMovie, MediaID: "42"}
	path, err := r.Resolve(task, storage.Source{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Movie_42.mp4"), path)
}

func TestResolveMoviePrefersSourceDir(t *testing.T) {
	srcDir := t.TempDir()
	r := New(t.TempDir(), t.TempDir())

	task := storage.DownloadTask{MediaType: storage.MediaMovie, MediaID: "1", Title: "Film"}
	path, err := r.Resolve(task, storage.Source{MoviesDir: srcDir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(srcDir, "Film.mp4"), path)
}

func TestResolveEpisode(t *testing.T) {
	dir := t.TempDir()
	r := New(t.TempDir(), dir)

	tests := []struct {
		name  string
		title string
		want  string
	}{
		{
			name:  "full form",
			title: "Breaking Code - S02E05 - The Compiler",
			want:  filepath.Join(dir, "Breaking Code", "Season 02", "S02E05 - The Compiler.mp4"),
		},
		{
			name:  "no episode title",
			title: "Breaking Code - S02E05",
			want:  filepath.Join(dir, "Breaking Code", "Season 02", "S02E05.mp4"),
		},
		{
			name:  "trailing extension stripped",
			title: "Breaking Code - S01E01 - Pilot.mp4",
			want:  filepath.Join(dir, "Breaking Code", "Season 01", "S01E01 - Pilot.mp4"),
		},
		{
			name:  "unparseable title",
			title: "just some file",
			want:  filepath.Join(dir, "Unknown Series", "Season 01", "S01E01.mp4"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := storage.DownloadTask{MediaType: storage.MediaEpisode, MediaID: "1", Title: tt.title}
			path, err := r.Resolve(task, storage.Source{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, path)
		})
	}
}

func TestResolveUnknownKind(t *testing.T) {
	r := New(t.TempDir(), t.TempDir())
	_, err := r.Resolve(storage.DownloadTask{MediaType: "live"}, storage.Source{})
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Plain Name", "Plain Name"},
		{"A/B\\C:D", "A-B-C-D"},
		{`What? "Quotes" <here> |pipe| *star*`, "What Quotes here pipe star"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in))
	}
}
