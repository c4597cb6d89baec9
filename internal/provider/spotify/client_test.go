// SPDX-License-Identifier: MIT

package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpotify struct {
	api    *httptest.Server
	tokens *httptest.Server

	refresh  atomic.Int32
	lastPlay atomic.Value // playRequest
	reject   atomic.Int32 // remaining 401 responses
}

type playRequest struct {
	Auth     string
	DeviceID string
	URIs     []string
	HasBody  bool
}

func newFakeSpotify(t *testing.T) *fakeSpotify {
	t.Helper()
	f := &fakeSpotify{}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /me/player/play", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		var body struct {
			URIs []string `json:"uris"`
		}
		hasBody := r.ContentLength > 0
		if hasBody {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		}
		f.lastPlay.Store(playRequest{
			Auth:     r.Header.Get("Authorization"),
			DeviceID: r.URL.Query().Get("device_id"),
			URIs:     body.URIs,
			HasBody:  hasBody,
		})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /me/player/pause", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /me/player/devices", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"devices": []map[string]any{
				{"id": "dev1", "name": "Bar Speakers", "type": "Speaker", "is_active": true},
				{"id": "dev2", "name": "Booth", "type": "Computer", "is_active": false},
			},
		})
	})
	mux.HandleFunc("GET /me/player/recently-played", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"played_at": "2026-08-24T20:55:00Z",
					"track": map[string]any{
						"id": "t2", "name": "Two",
						"artists": []map[string]any{{"name": "B"}},
					},
				},
				{
					"played_at": "2026-08-24T20:50:00Z",
					"track": map[string]any{
						"id": "t1", "name": "One",
						"artists": []map[string]any{{"name": "A"}},
					},
				},
			},
		})
	})
	f.api = httptest.NewServer(mux)
	t.Cleanup(f.api.Close)

	f.tokens = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		f.refresh.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(f.tokens.Close)

	return f
}

// deny serves a 401 while the reject budget lasts.
func (f *fakeSpotify) deny(w http.ResponseWriter, _ *http.Request) bool {
	if f.reject.Load() > 0 {
		f.reject.Add(-1)
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}
	return false
}

func newTestClient(t *testing.T, f *fakeSpotify) *Client {
	t.Helper()
	c := NewClient(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		APIBase:      f.api.URL,
		TokenURL:     f.tokens.URL,
	})
	c.RegisterVenue("v1", Credentials{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	return c
}

func TestPlayTrack(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	require.NoError(t, c.PlayTrack(context.Background(), "v1", "spotify:track:t1", "dev1"))

	req := f.lastPlay.Load().(playRequest)
	assert.Equal(t, "Bearer valid-token", req.Auth)
	assert.Equal(t, "dev1", req.DeviceID)
	assert.Equal(t, []string{"spotify:track:t1"}, req.URIs)
}

func TestPlayTrackNoDevice(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	require.NoError(t, c.PlayTrack(context.Background(), "v1", "spotify:track:t1", ""))

	req := f.lastPlay.Load().(playRequest)
	assert.Empty(t, req.DeviceID)
}

func TestPauseAndResume(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.PausePlayback(ctx, "v1"))
	require.NoError(t, c.ResumePlayback(ctx, "v1"))

	req := f.lastPlay.Load().(playRequest)
	assert.False(t, req.HasBody, "resume is a play request without a body")
}

func TestListDevices(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	devices, err := c.ListDevices(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "dev1", devices[0].ID)
	assert.True(t, devices[0].Active)
	assert.Equal(t, "Booth", devices[1].Name)
	assert.False(t, devices[1].Active)
}

func TestRecentlyPlayed(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	tracks, err := c.RecentlyPlayed(context.Background(), "v1", 10)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "t2", tracks[0].TrackID)
	assert.Equal(t, "B", tracks[0].ArtistName)
	assert.True(t, tracks[0].PlayedAt.After(tracks[1].PlayedAt), "most recent first")
}

func TestUnauthorizedTriggersRefreshRetry(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)
	f.reject.Store(1)

	require.NoError(t, c.PlayTrack(context.Background(), "v1", "spotify:track:t1", ""))
	assert.Equal(t, int32(1), f.refresh.Load(), "one refresh after the 401")

	req := f.lastPlay.Load().(playRequest)
	assert.Equal(t, "Bearer fresh-token", req.Auth, "retry carries the fresh token")
}

func TestPersistentUnauthorizedFails(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)
	f.reject.Store(2)

	err := c.PlayTrack(context.Background(), "v1", "spotify:track:t1", "")
	require.Error(t, err, "only one refresh attempt per call")
}

func TestExpiredTokenRefreshesAhead(t *testing.T) {
	f := newFakeSpotify(t)
	c := NewClient(Config{
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
		APIBase:         f.api.URL,
		TokenURL:        f.tokens.URL,
		TokenExpirySkew: 5 * time.Minute,
	})
	// Expires inside the skew window: must refresh before the first call.
	c.RegisterVenue("v1", Credentials{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	require.NoError(t, c.PausePlayback(context.Background(), "v1"))
	assert.Equal(t, int32(1), f.refresh.Load())
}

func TestUnknownVenue(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	err := c.PausePlayback(context.Background(), "ghost")
	require.Error(t, err)
}

func TestRemoveVenue(t *testing.T) {
	f := newFakeSpotify(t)
	c := newTestClient(t, f)

	c.RemoveVenue("v1")
	err := c.PausePlayback(context.Background(), "v1")
	require.Error(t, err)
}

func TestAPIErrorSurfaces(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"status":404,"message":"Device not found"}}`, http.StatusNotFound)
	}))
	t.Cleanup(broken.Close)

	c := NewClient(Config{ClientID: "id", ClientSecret: "secret", APIBase: broken.URL})
	c.RegisterVenue("v1", Credentials{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	err := c.PausePlayback(context.Background(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
