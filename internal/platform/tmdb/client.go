package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/thandden/mediaserver/internal/platform/logger"
)

const imageBaseURL = "https://image.tmdb.org/t/p/original"

// Client is a retrying, rate-limited TMDB API client. TMDB allows ~40
// requests per 10 seconds; the limiter stays under that so matcher bursts
// do not trip the API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewClient(baseURL, apiKey string, baseLog *logger.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    retryClient.StandardClient(),
		limiter: rate.NewLimiter(rate.Limit(3), 6),
		log:     baseLog.With("component", "TMDBClient"),
	}
}

type SearchResult struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	Overview     string `json:"overview"`
	PosterPath   string `json:"poster_path"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

type MovieDetails struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	Overview     string `json:"overview"`
	PosterPath   string `json:"poster_path"`
	BackdropPath string `json:"backdrop_path"`
	ReleaseDate  string `json:"release_date"`
}

type TVDetails struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Overview     string `json:"overview"`
	PosterPath   string `json:"poster_path"`
	BackdropPath string `json:"backdrop_path"`
	FirstAirDate string `json:"first_air_date"`
}

type SeasonDetails struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Overview     string `json:"overview"`
	PosterPath   string `json:"poster_path"`
	SeasonNumber int    `json:"season_number"`
}

type EpisodeDetails struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
	StillPath     string `json:"still_path"`
	AirDate       string `json:"air_date"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
}

func (c *Client) SearchMovie(ctx context.Context, query string, year *int) ([]SearchResult, error) {
	params := url.Values{"query": {query}}
	if year != nil {
		params.Set("year", strconv.Itoa(*year))
	}
	var resp searchResponse
	if err := c.get(ctx, "/search/movie", params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) SearchTV(ctx context.Context, query string, year *int) ([]SearchResult, error) {
	params := url.Values{"query": {query}}
	if year != nil {
		params.Set("first_air_date_year", strconv.Itoa(*year))
	}
	var resp searchResponse
	if err := c.get(ctx, "/search/tv", params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) MovieDetails(ctx context.Context, tmdbID int) (*MovieDetails, error) {
	var out MovieDetails
	if err := c.get(ctx, fmt.Sprintf("/movie/%d", tmdbID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TVDetails(ctx context.Context, tmdbID int) (*TVDetails, error) {
	var out TVDetails
	if err := c.get(ctx, fmt.Sprintf("/tv/%d", tmdbID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SeasonDetails(ctx context.Context, tmdbID, seasonNumber int) (*SeasonDetails, error) {
	var out SeasonDetails
	if err := c.get(ctx, fmt.Sprintf("/tv/%d/season/%d", tmdbID, seasonNumber), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EpisodeDetails(ctx context.Context, tmdbID, seasonNumber, episodeNumber int) (*EpisodeDetails, error) {
	var out EpisodeDetails
	if err := c.get(ctx, fmt.Sprintf("/tv/%d/season/%d/episode/%d", tmdbID, seasonNumber, episodeNumber), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadImage fetches a TMDB image path (or a full URL) into destPath.
func (c *Client) DownloadImage(ctx context.Context, imagePath, destPath string) error {
	fullURL := imagePath
	if !strings.HasPrefix(imagePath, "http://") && !strings.HasPrefix(imagePath, "https://") {
		fullURL = imageBaseURL + "/" + strings.TrimLeft(imagePath, "/")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
