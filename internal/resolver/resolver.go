// Package resolver maps a download task to its final filesystem path.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"streamarr/internal/storage"
)

// Resolver determines the save path for a task. The path is assigned once,
// when the transfer first starts, and stays stable for the life of the task
// record.
type Resolver interface {
	Resolve(task storage.DownloadTask, source storage.Source) (string, error)
}

// PathResolver builds library paths from task titles and per-source library
// directories, falling back to configured defaults.
type PathResolver struct {
	MoviesDir string
	SeriesDir string
}

func New(moviesDir, seriesDir string) *PathResolver {
	return &PathResolver{MoviesDir: moviesDir, SeriesDir: seriesDir}
}

// episodePattern matches titles of the form
// "Series Name - S01E02 - Episode Title" (the episode title is optional).
var episodePattern = regexp.MustCompile(`^(.*?)(?:\s+-\s*|\s+)S(\d+)E(\d+)(?:\s*[- ]+\s*(.*))?$`)

func (r *PathResolver) Resolve(task storage.DownloadTask, source storage.Source) (string, error) {
	switch task.MediaType {
	case storage.MediaMovie:
		return r.resolveMovie(task, source)
	case storage.MediaEpisode:
		return r.resolveEpisode(task, source)
	default:
		return "", fmt.Errorf("unknown media type %q", task.MediaType)
	}
}

func (r *PathResolver) resolveMovie(task storage.DownloadTask, source storage.Source) (string, error) {
	base := source.MoviesDir
	if base == "" {
		base = r.MoviesDir
	}
	name := SanitizeName(task.Title)
	if name == "" {
		name = "Movie_" + task.MediaID
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("create movie dir: %w", err)
	}
	return filepath.Join(base, name+".mp4"), nil
}

func (r *PathResolver) resolveEpisode(task storage.DownloadTask, source storage.Source) (string, error) {
	base := source.SeriesDir
	if base == "" {
		base = r.SeriesDir
	}

	seriesName := "Unknown Series"
	season, episode := 1, 1
	epTitle := ""

	if m := episodePattern.FindStringSubmatch(task.Title); m != nil {
		if name := strings.Trim(strings.TrimSpace(m[1]), "-"); name != "" {
			seriesName = strings.TrimSpace(name)
		}
		season, _ = strconv.Atoi(m[2])
		episode, _ = strconv.Atoi(m[3])
		epTitle = strings.TrimSpace(m[4])
	}

	epTitle = strings.TrimSuffix(strings.TrimSuffix(epTitle, ".mp4"), ".MP4")

	dir := filepath.Join(base, SanitizeName(seriesName), fmt.Sprintf("Season %02d", season))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create season dir: %w", err)
	}

	filename := fmt.Sprintf("S%02dE%02d", season, episode)
	if epTitle != "" {
		filename += " - " + SanitizeName(epTitle)
	}
	return filepath.Join(dir, filename+".mp4"), nil
}

// SanitizeName strips characters that are unsafe in filenames.
func SanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "",
	)
	return strings.TrimSpace(replacer.Replace(name))
}
