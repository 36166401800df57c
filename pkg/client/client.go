// Package client provides the osu! API v2 client used as the remote data
// provider: paginated most-played listing, per-beatmap score lookup,
// credential refresh and credential probing. Every HTTP round trip goes
// through the shared rate limiter.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/Sternrassler/osu-score-fetcher/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Prometheus metrics for osu! API client operations.
var (
	osuRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_requests_total",
		Help: "Total osu! API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	osuRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osu_request_duration_seconds",
		Help:    "osu! API request duration in seconds by endpoint, including rate limit waits and retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	osuErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_errors_total",
		Help: "Total osu! API errors by class",
	}, []string{"class"})

	osuCredentialRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_credential_refreshes_total",
		Help: "Total credential refresh attempts by result",
	}, []string{"result"})
)

// Endpoint labels. Paths carry ids, so metrics and logs use these instead.
const (
	EndpointMostPlayed = "most_played"
	EndpointUserScores = "beatmap_user_scores"
	EndpointMe         = "me"
)

// apiVersion selects the lazer score format for score payloads.
const apiVersion = "20220705"

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Client is the osu! API v2 client.
type Client struct {
	httpClient *http.Client
	oauth      *oauth2.Config
	limiter    ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://osu.ppy.sh/api/v2".
	BaseURL string

	// TokenURL of the OAuth token endpoint, e.g. "https://osu.ppy.sh/oauth/token".
	TokenURL string

	// OAuth application credentials used for refresh grants.
	ClientID     string
	ClientSecret string

	// User-Agent header sent with every request.
	UserAgent string

	// Limiter gates every round trip (REQUIRED).
	Limiter ratelimit.Limiter

	// Transport is the base round tripper under the limiter (default http.DefaultTransport).
	Transport http.RoundTripper

	// Timeout per HTTP round trip.
	Timeout time.Duration

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(limiter ratelimit.Limiter, clientID, clientSecret, userAgent string) Config {
	return Config{
		BaseURL:        "https://osu.ppy.sh/api/v2",
		TokenURL:       "https://osu.ppy.sh/oauth/token",
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		UserAgent:      userAgent,
		Limiter:        limiter,
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// New creates a new osu! API client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "osu-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Transport: ratelimit.NewTransport(cfg.Transport, cfg.Limiter, logger),
			Timeout:   cfg.Timeout,
		},
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		limiter: cfg.Limiter,
		config:  cfg,
		logger:  logger,
	}, nil
}

func (c *Client) retryConfig() RetryConfig {
	base := DefaultRetryConfig()
	base.MaxAttempts = c.config.MaxRetries + 1
	if c.config.InitialBackoff > 0 {
		base.InitialBackoff = c.config.InitialBackoff
	}
	if c.config.MaxBackoff > 0 {
		base.MaxBackoff = c.config.MaxBackoff
	}
	return base
}

// Do performs an HTTP request with rate limiting, retries and error classification.
// The endpoint label is used for metrics and logs. Non-retriable 4xx
// responses are returned to the caller with a nil error.
func (c *Client) Do(req *http.Request, endpoint string) (*http.Response, error) {
	ctx := req.Context()

	startTime := time.Now()
	defer func() {
		osuRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-version", apiVersion)

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing osu! API request")

	var resp *http.Response

	retryErr := retryWithBackoff(ctx, c.retryConfig(), func() (ErrorClass, error) {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req.Clone(ctx))

		if reqErr != nil {
			c.logger.Warn().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			errClass := c.classifyError(nil, reqErr)
			osuErrorsTotal.WithLabelValues(string(errClass)).Inc()
			osuRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			resp = nil
			return errClass, reqErr
		}

		osuRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			errClass := c.classifyError(resp, nil)
			osuErrorsTotal.WithLabelValues(string(errClass)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("osu! API request error")

			if shouldRetry(errClass) {
				status := resp.StatusCode
				resp.Body.Close()
				resp = nil
				return errClass, &APIError{
					Endpoint:   endpoint,
					StatusCode: status,
					ErrorClass: errClass,
					Message:    http.StatusText(status),
				}
			}

			// Don't retry client errors - let caller handle status
			return errClass, nil
		}

		return "", nil
	})

	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}

	return resp, nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrorClassAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// getJSON performs an authenticated GET and decodes a 200 response into out.
// It returns the status code for non-200 responses together with an *APIError.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, token string, out any) (int, error) {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.Do(req, endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			ErrorClass: c.classifyError(resp, nil),
			Message:    strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return resp.StatusCode, nil
}

// mostPlayedEntry is one element of the most_played listing.
type mostPlayedEntry struct {
	BeatmapID int64 `json:"beatmap_id"`
	Count     int   `json:"count"`
	Beatmap   struct {
		ID           int64  `json:"id"`
		BeatmapsetID int64  `json:"beatmapset_id"`
		Mode         string `json:"mode"`
		Status       string `json:"status"`
	} `json:"beatmap"`
	Beatmapset struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"beatmapset"`
}

// ListItems returns one page of the subject's most played beatmaps.
func (c *Client) ListItems(ctx context.Context, subject osu.Subject, offset, limit int) ([]osu.Beatmap, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var entries []mostPlayedEntry
	path := fmt.Sprintf("/users/%d/beatmapsets/most_played", subject.ID)
	if _, err := c.getJSON(ctx, EndpointMostPlayed, path, query, subject.Credential.AccessToken, &entries); err != nil {
		return nil, fmt.Errorf("list most played (offset %d): %w", offset, err)
	}

	items := make([]osu.Beatmap, 0, len(entries))
	for _, e := range entries {
		item := osu.Beatmap{
			ID:           e.BeatmapID,
			BeatmapsetID: e.Beatmapset.ID,
			Mode:         osu.Mode(e.Beatmap.Mode),
			Status:       osu.Status(e.Beatmapset.Status),
			PlayCount:    e.Count,
		}
		if item.ID == 0 {
			item.ID = e.Beatmap.ID
		}
		if item.BeatmapsetID == 0 {
			item.BeatmapsetID = e.Beatmap.BeatmapsetID
		}
		if item.Status == "" {
			item.Status = osu.Status(e.Beatmap.Status)
		}
		items = append(items, item)
	}
	return items, nil
}

// scoreEntry tells a missing ruleset_id apart from ruleset 0 (osu).
type scoreEntry struct {
	osu.Score
	RulesetID *int `json:"ruleset_id"`
}

// FetchItemScores returns every score the subject set on a beatmap in the
// given mode. A beatmap without a leaderboard yields no scores and no error.
func (c *Client) FetchItemScores(ctx context.Context, subject osu.Subject, beatmapID int64, mode osu.Mode) ([]osu.Score, error) {
	query := url.Values{}
	if mode != "" {
		query.Set("mode", string(mode))
	}

	var payload struct {
		Scores []scoreEntry `json:"scores"`
	}
	path := fmt.Sprintf("/beatmaps/%d/scores/users/%d/all", beatmapID, subject.ID)
	status, err := c.getJSON(ctx, EndpointUserScores, path, query, subject.Credential.AccessToken, &payload)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
			c.logger.Debug().
				Int64("beatmap_id", beatmapID).
				Str("mode", string(mode)).
				Int("status", status).
				Msg("Beatmap has no leaderboard - treating as empty")
			return nil, nil
		}
		return nil, fmt.Errorf("fetch scores for beatmap %d (%s): %w", beatmapID, mode, err)
	}

	scores := make([]osu.Score, 0, len(payload.Scores))
	for _, entry := range payload.Scores {
		s := entry.Score
		if s.BeatmapID == 0 {
			s.BeatmapID = beatmapID
		}
		if s.UserID == 0 {
			s.UserID = subject.ID
		}
		s.Mode = mode
		if entry.RulesetID != nil {
			s.RulesetID = *entry.RulesetID
			s.Mode, _ = osu.ModeFromRulesetID(s.RulesetID)
		}
		if !s.Mode.Valid() {
			c.logger.Warn().Int64("score_id", s.ID).Int("ruleset_id", s.RulesetID).Msg("Dropping score with unknown mode")
			continue
		}
		scores = append(scores, s)
	}
	return scores, nil
}

// RefreshCredential exchanges the subject's refresh token for a new token set.
func (c *Client) RefreshCredential(ctx context.Context, subject osu.Subject) (osu.Credential, error) {
	if subject.Credential.RefreshToken == "" {
		osuCredentialRefreshesTotal.WithLabelValues("no_refresh_token").Inc()
		return osu.Credential{}, ErrNoRefreshToken
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: subject.Credential.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		osuCredentialRefreshesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Err(err).Int64("subject_id", subject.ID).Msg("Credential refresh failed")
		return osu.Credential{}, fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
	}

	cred := osu.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = subject.Credential.RefreshToken
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	osuCredentialRefreshesTotal.WithLabelValues("ok").Inc()
	c.logger.Info().Int64("subject_id", subject.ID).Time("expires_at", cred.ExpiresAt).Msg("Credential refreshed")
	return cred, nil
}

// CredentialIsValid probes the API with the subject's access token.
func (c *Client) CredentialIsValid(ctx context.Context, subject osu.Subject) bool {
	if subject.Credential.AccessToken == "" {
		return false
	}

	var me struct {
		ID int64 `json:"id"`
	}
	if _, err := c.getJSON(ctx, EndpointMe, "/me", nil, subject.Credential.AccessToken, &me); err != nil {
		if !IsAuthError(err) {
			c.logger.Warn().Err(err).Int64("subject_id", subject.ID).Msg("Credential probe failed")
		}
		return false
	}
	return me.ID == subject.ID
}

// State reports the shared rate limiter state.
func (c *Client) State(ctx context.Context) (ratelimit.WindowState, error) {
	return c.limiter.State(ctx)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
