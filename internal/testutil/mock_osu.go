// Package testutil provides testing utilities for the osu! score fetcher.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/go-chi/chi/v5"
)

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOsu is a configurable in-process osu! API for tests. It serves the
// most played listing, per-beatmap user scores, /me and the OAuth token
// endpoint from in-memory fixtures.
type MockOsu struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	mostPlayed    map[int64][]osu.Beatmap
	scores        map[scoreKey][]osu.Score
	accessTokens  map[string]int64
	refreshTokens map[string]int64
	issued        int

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

type scoreKey struct {
	beatmapID int64
	userID    int64
	mode      osu.Mode
}

// Paths of the mock endpoints, relative to URL().
const (
	APIPrefix = "/api/v2"
	TokenPath = "/oauth/token"
)

// NewMockOsu creates and starts a new mock osu! server.
func NewMockOsu() *MockOsu {
	mock := &MockOsu{
		handlers:      make(map[string]func(w http.ResponseWriter, r *http.Request)),
		mostPlayed:    make(map[int64][]osu.Beatmap),
		scores:        make(map[scoreKey][]osu.Score),
		accessTokens:  make(map[string]int64),
		refreshTokens: make(map[string]int64),
		PathCounts:    make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post(TokenPath, mock.handleToken)
	r.Route(APIPrefix, func(r chi.Router) {
		r.Get("/me", mock.handleMe)
		r.Get("/users/{userID}/beatmapsets/most_played", mock.handleMostPlayed)
		r.Get("/beatmaps/{beatmapID}/scores/users/{userID}/all", mock.handleScores)
	})

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[req.URL.Path]++
		mock.LastRequestHeader = req.Header.Clone()
		handler, exists := mock.handlers[req.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, req)
			return
		}
		r.ServeHTTP(w, req)
	}))

	return mock
}

// URL returns the mock server root URL.
func (m *MockOsu) URL() string {
	return m.server.URL
}

// APIURL returns the base URL of the API routes.
func (m *MockOsu) APIURL() string {
	return m.server.URL + APIPrefix
}

// TokenURL returns the OAuth token endpoint URL.
func (m *MockOsu) TokenURL() string {
	return m.server.URL + TokenPath
}

// Close shuts down the mock server.
func (m *MockOsu) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOsu) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler overrides the handler for an exact request path.
func (m *MockOsu) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for an exact request path.
func (m *MockOsu) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// AddSubject registers valid tokens for a user.
func (m *MockOsu) AddSubject(userID int64, accessToken, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accessToken != "" {
		m.accessTokens[accessToken] = userID
	}
	if refreshToken != "" {
		m.refreshTokens[refreshToken] = userID
	}
}

// RevokeAccessToken makes an access token fail authentication.
func (m *MockOsu) RevokeAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accessTokens, token)
}

// SetMostPlayed sets the most played listing of a user.
func (m *MockOsu) SetMostPlayed(userID int64, beatmaps []osu.Beatmap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mostPlayed[userID] = beatmaps
}

// SetScores sets the scores of a user on a beatmap in a mode.
func (m *MockOsu) SetScores(beatmapID, userID int64, mode osu.Mode, scores []osu.Score) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[scoreKey{beatmapID: beatmapID, userID: userID, mode: mode}] = scores
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOsu) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to a path.
func (m *MockOsu) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GeneratedBeatmaps builds n ranked osu! beatmaps with ids starting at firstID.
func GeneratedBeatmaps(firstID int64, n int) []osu.Beatmap {
	maps := make([]osu.Beatmap, n)
	for i := range maps {
		id := firstID + int64(i)
		maps[i] = osu.Beatmap{
			ID:           id,
			BeatmapsetID: id * 10,
			Mode:         osu.ModeOsu,
			Status:       osu.StatusRanked,
			PlayCount:    n - i,
		}
	}
	return maps
}

func (m *MockOsu) authenticate(r *http.Request) (int64, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.accessTokens[token]
	return userID, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "60")
	w.Header().Set("X-RateLimit-Remaining", "59")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"authentication": "basic"})
}

func (m *MockOsu) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.authenticate(r)
	if !ok {
		unauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": userID, "username": fmt.Sprintf("player%d", userID)})
}

func (m *MockOsu) handleMostPlayed(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.authenticate(r); !ok {
		unauthorized(w)
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	m.mu.RLock()
	all := m.mostPlayed[userID]
	m.mu.RUnlock()

	page := []map[string]any{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		b := all[i]
		page = append(page, map[string]any{
			"beatmap_id": b.ID,
			"count":      b.PlayCount,
			"beatmap": map[string]any{
				"id":            b.ID,
				"beatmapset_id": b.BeatmapsetID,
				"mode":          b.Mode,
				"status":        b.Status,
			},
			"beatmapset": map[string]any{
				"id":     b.BeatmapsetID,
				"status": b.Status,
			},
		})
	}
	writeJSON(w, http.StatusOK, page)
}

func (m *MockOsu) handleScores(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.authenticate(r); !ok {
		unauthorized(w)
		return
	}

	beatmapID, err1 := strconv.ParseInt(chi.URLParam(r, "beatmapID"), 10, 64)
	userID, err2 := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	mode := osu.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = osu.ModeOsu
	}

	m.mu.RLock()
	scores, ok := m.scores[scoreKey{beatmapID: beatmapID, userID: userID, mode: mode}]
	m.mu.RUnlock()
	if !ok {
		scores = []osu.Score{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (m *MockOsu) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	old := r.PostForm.Get("refresh_token")
	m.mu.Lock()
	userID, ok := m.refreshTokens[old]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	m.issued++
	access := fmt.Sprintf("access-%d-%d", userID, m.issued)
	refresh := fmt.Sprintf("refresh-%d-%d", userID, m.issued)
	delete(m.refreshTokens, old)
	m.accessTokens[access] = userID
	m.refreshTokens[refresh] = userID
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"token_type":    "Bearer",
		"expires_in":    86400,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too Many Attempts."}`,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "0",
		},
	}
}
