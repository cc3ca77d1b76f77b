// Package catalog talks to Xtream-style provider APIs: media listings,
// series episode expansion and remote stream URLs.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"streamarr/internal/storage"
)

// Movie is a single VOD entry in a source's catalog.
type Movie struct {
	StreamID           FlexID `json:"stream_id"`
	Name               string `json:"name"`
	CategoryID         FlexID `json:"category_id"`
	StreamIcon         string `json:"stream_icon"`
	ContainerExtension string `json:"container_extension"`
}

// Series is a series listing entry.
type Series struct {
	SeriesID   FlexID `json:"series_id"`
	Name       string `json:"name"`
	CategoryID FlexID `json:"category_id"`
	Cover      string `json:"cover"`
}

// Episode is one episode from a series info response.
type Episode struct {
	ID                 FlexID `json:"id"`
	EpisodeNum         FlexID `json:"episode_num"`
	Season             int    `json:"-"`
	Title              string `json:"title"`
	ContainerExtension string `json:"container_extension"`
}

// Client resolves media metadata and stream URLs for one source.
type Client interface {
	Movies(ctx context.Context, categoryID string) ([]Movie, error)
	SeriesList(ctx context.Context, categoryID string) ([]Series, error)
	SeriesEpisodes(ctx context.Context, seriesID string) (string, []Episode, error)
	StreamURL(mediaType, mediaID, ext string) string
}

// Factory builds a catalog client for a source's credentials.
type Factory func(src storage.Source) Client

// httpClient is the default Client implementation over the provider's
// player_api.php JSON endpoint.
type httpClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New returns a Client for the given source.
func New(src storage.Source) Client {
	return &httpClient{
		baseURL:  strings.TrimRight(src.BaseURL, "/"),
		username: src.Username,
		password: src.Password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpClient) apiURL(action string, params map[string]string) string {
	q := url.Values{}
	q.Set("username", c.username)
	q.Set("password", c.password)
	q.Set("action", action)
	for k, v := range params {
		q.Set(k, v)
	}
	return c.baseURL + "/player_api.php?" + q.Encode()
}

func (c *httpClient) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog request failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) Movies(ctx context.Context, categoryID string) ([]Movie, error) {
	params := map[string]string{}
	if categoryID != "" {
		params["category_id"] = categoryID
	}
	var movies []Movie
	if err := c.getJSON(ctx, c.apiURL("get_vod_streams", params), &movies); err != nil {
		return nil, err
	}
	return movies, nil
}

func (c *httpClient) SeriesList(ctx context.Context, categoryID string) ([]Series, error) {
	params := map[string]string{}
	if categoryID != "" {
		params["category_id"] = categoryID
	}
	var series []Series
	if err := c.getJSON(ctx, c.apiURL("get_series", params), &series); err != nil {
		return nil, err
	}
	return series, nil
}

// SeriesEpisodes returns the series name and its episodes across all
// seasons, ordered by (season, episode).
func (c *httpClient) SeriesEpisodes(ctx context.Context, seriesID string) (string, []Episode, error) {
	var payload struct {
		Info struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		} `json:"info"`
		Episodes map[string][]Episode `json:"episodes"`
	}
	u := c.apiURL("get_series_info", map[string]string{"series_id": seriesID})
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return "", nil, err
	}

	name := payload.Info.Name
	if name == "" {
		name = payload.Info.Title
	}

	var episodes []Episode
	for seasonKey, eps := range payload.Episodes {
		season, _ := strconv.Atoi(seasonKey)
		for _, ep := range eps {
			ep.Season = season
			episodes = append(episodes, ep)
		}
	}
	sortEpisodes(episodes)
	return name, episodes, nil
}

// StreamURL builds the direct download URL for a media item. mediaType is a
// task media kind; episodes live under the provider's series path.
func (c *httpClient) StreamURL(mediaType, mediaID, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	kind := "movie"
	if mediaType == storage.MediaEpisode {
		kind = "series"
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", c.baseURL, kind, c.username, c.password, mediaID, ext)
}

func sortEpisodes(eps []Episode) {
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && lessEpisode(eps[j], eps[j-1]); j-- {
			eps[j], eps[j-1] = eps[j-1], eps[j]
		}
	}
}

func lessEpisode(a, b Episode) bool {
	if a.Season != b.Season {
		return a.Season < b.Season
	}
	return a.EpisodeNum.Int() < b.EpisodeNum.Int()
}

// FlexID tolerates provider APIs that serialize ids interchangeably as JSON
// strings or numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*f = FlexID(s)
	return nil
}

func (f FlexID) String() string {
	return string(f)
}

func (f FlexID) Int() int {
	n, _ := strconv.Atoi(string(f))
	return n
}
