// SPDX-License-Identifier: MIT

// Package spotify adapts the Spotify Web API to the provider port. One
// client serves every venue; venues differ only in credentials.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

const defaultAPIBase = "https://api.spotify.com/v1"

// Outbound request ceiling across all venues. Spotify throttles bursts well
// before these values.
const (
	defaultCallsPerSecond = 10
	defaultCallBurst      = 20
)

// Config wires a Client.
type Config struct {
	ClientID     string
	ClientSecret string

	// APIBase and TokenURL default to the public Spotify endpoints. Tests
	// point them at a local server.
	APIBase  string
	TokenURL string

	// TokenExpirySkew refreshes tokens this long before they expire.
	TokenExpirySkew time.Duration

	// CallsPerSecond and CallBurst cap the outbound request rate across all
	// venues. Zero values use the defaults.
	CallsPerSecond float64
	CallBurst      int

	HTTPClient *http.Client
}

// Client implements ports.Provider against the Spotify Web API.
type Client struct {
	http    *http.Client
	tokens  *tokenRegistry
	apiBase string
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ ports.Provider = (*Client)(nil)

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	skew := cfg.TokenExpirySkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	callRate := cfg.CallsPerSecond
	if callRate <= 0 {
		callRate = defaultCallsPerSecond
	}
	burst := cfg.CallBurst
	if burst <= 0 {
		burst = defaultCallBurst
	}
	return &Client{
		http:    httpClient,
		tokens:  newTokenRegistry(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, skew, httpClient),
		apiBase: apiBase,
		limiter: rate.NewLimiter(rate.Limit(callRate), burst),
		logger:  log.WithComponent("spotify"),
	}
}

// RegisterVenue stores a venue's OAuth credentials. Must be called before
// any playback operation for that venue.
func (c *Client) RegisterVenue(venueID string, creds Credentials) {
	c.tokens.register(venueID, creds)
}

// RemoveVenue forgets a venue's credentials.
func (c *Client) RemoveVenue(venueID string) {
	c.tokens.drop(venueID)
}

// PlayTrack starts the given track URI, optionally on a specific device.
func (c *Client) PlayTrack(ctx context.Context, venueID, trackURI, deviceID string) error {
	endpoint := "/me/player/play"
	if deviceID != "" {
		endpoint += "?device_id=" + url.QueryEscape(deviceID)
	}
	body := map[string]any{"uris": []string{trackURI}}
	return c.call(ctx, venueID, "play", http.MethodPut, endpoint, body, nil)
}

// PausePlayback halts the venue's active device.
func (c *Client) PausePlayback(ctx context.Context, venueID string) error {
	return c.call(ctx, venueID, "pause", http.MethodPut, "/me/player/pause", nil, nil)
}

// ResumePlayback continues from the paused position. A play request without
// a body resumes instead of restarting.
func (c *Client) ResumePlayback(ctx context.Context, venueID string) error {
	return c.call(ctx, venueID, "resume", http.MethodPut, "/me/player/play", nil, nil)
}

// ListDevices returns the venue account's playback targets.
func (c *Client) ListDevices(ctx context.Context, venueID string) ([]ports.Device, error) {
	var payload struct {
		Devices []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Type     string `json:"type"`
			IsActive bool   `json:"is_active"`
		} `json:"devices"`
	}
	if err := c.call(ctx, venueID, "devices", http.MethodGet, "/me/player/devices", nil, &payload); err != nil {
		return nil, err
	}

	devices := make([]ports.Device, 0, len(payload.Devices))
	for _, d := range payload.Devices {
		devices = append(devices, ports.Device{
			ID:     d.ID,
			Name:   d.Name,
			Type:   d.Type,
			Active: d.IsActive,
		})
	}
	return devices, nil
}

// RecentTrack is one play from the provider-side history.
type RecentTrack struct {
	TrackID    string    `json:"trackId"`
	TrackName  string    `json:"trackName"`
	ArtistName string    `json:"artistName"`
	PlayedAt   time.Time `json:"playedAt"`
}

// RecentlyPlayed returns the venue account's provider-side play history,
// most recent first.
func (c *Client) RecentlyPlayed(ctx context.Context, venueID string, limit int) ([]RecentTrack, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var payload struct {
		Items []struct {
			PlayedAt time.Time `json:"played_at"`
			Track    struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Artists []struct {
					Name string `json:"name"`
				} `json:"artists"`
			} `json:"track"`
		} `json:"items"`
	}
	endpoint := fmt.Sprintf("/me/player/recently-played?limit=%d", limit)
	if err := c.call(ctx, venueID, "recently_played", http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, err
	}

	tracks := make([]RecentTrack, 0, len(payload.Items))
	for _, item := range payload.Items {
		t := RecentTrack{
			TrackID:   item.Track.ID,
			TrackName: item.Track.Name,
			PlayedAt:  item.PlayedAt,
		}
		if len(item.Track.Artists) > 0 {
			t.ArtistName = item.Track.Artists[0].Name
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// call performs one authenticated API request. A 401 invalidates the cached
// token and retries once with a fresh one.
func (c *Client) call(ctx context.Context, venueID, op, method, endpoint string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := c.doOnce(ctx, venueID, method, endpoint, body, out)
	if isUnauthorized(err) {
		c.tokens.invalidate(venueID)
		c.logger.Debug().
			Str(log.FieldVenueID, venueID).
			Str("op", op).
			Msg("token rejected, refreshing and retrying")
		err = c.doOnce(ctx, venueID, method, endpoint, body, out)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		if ctx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
		}
	}
	metrics.ObserveProviderCall(op, outcome, time.Since(start).Seconds())
	return err
}

func (c *Client) doOnce(ctx context.Context, venueID, method, endpoint string, body, out any) error {
	token, err := c.tokens.token(ctx, venueID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &apiError{Status: resp.StatusCode, Body: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response failed: %w", err)
		}
	}
	return nil
}

var errUnauthorized = &apiError{Status: http.StatusUnauthorized, Body: "unauthorized"}

// apiError is a non-2xx provider response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("spotify api error (%d): %s", e.Status, e.Body)
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	apiErr, ok := err.(*apiError)
	return ok && apiErr.Status == http.StatusUnauthorized
}
