// SPDX-License-Identifier: MIT

package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/log"
)

const defaultTokenURL = "https://accounts.spotify.com/api/token"

// Credentials is one venue's OAuth token pair.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// tokenRegistry holds per-venue credentials and refreshes access tokens
// ahead of expiry. Spotify access tokens last about an hour; refreshing
// behind a skew keeps in-flight requests from racing the expiry.
type tokenRegistry struct {
	clientID     string
	clientSecret string
	tokenURL     string
	skew         time.Duration
	http         *http.Client
	now          func() time.Time
	logger       zerolog.Logger

	mu    sync.Mutex
	creds map[string]*Credentials
}

func newTokenRegistry(clientID, clientSecret, tokenURL string, skew time.Duration, httpClient *http.Client) *tokenRegistry {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &tokenRegistry{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		skew:         skew,
		http:         httpClient,
		now:          time.Now,
		logger:       log.WithComponent("spotify"),
		creds:        make(map[string]*Credentials),
	}
}

// register stores or replaces a venue's credentials.
func (r *tokenRegistry) register(venueID string, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := creds
	r.creds[venueID] = &c
}

func (r *tokenRegistry) drop(venueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, venueID)
}

// token returns a currently valid access token for the venue, refreshing it
// first when it is inside the expiry skew.
func (r *tokenRegistry) token(ctx context.Context, venueID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds, ok := r.creds[venueID]
	if !ok {
		return "", fmt.Errorf("venue %s has no provider credentials", venueID)
	}
	if r.now().Add(r.skew).Before(creds.ExpiresAt) {
		return creds.AccessToken, nil
	}
	if err := r.refreshLocked(ctx, venueID, creds); err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// invalidate forces the next token call to refresh. Used after a 401.
func (r *tokenRegistry) invalidate(venueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if creds, ok := r.creds[venueID]; ok {
		creds.ExpiresAt = time.Time{}
	}
}

func (r *tokenRegistry) refreshLocked(ctx context.Context, venueID string, creds *Credentials) error {
	if creds.RefreshToken == "" {
		return fmt.Errorf("venue %s token expired and no refresh token is set", venueID)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(r.clientID, r.clientSecret)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("token refresh response malformed: %w", err)
	}

	creds.AccessToken = payload.AccessToken
	creds.ExpiresAt = r.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	// Spotify only rotates the refresh token sometimes.
	if payload.RefreshToken != "" {
		creds.RefreshToken = payload.RefreshToken
	}

	r.logger.Debug().
		Str(log.FieldVenueID, venueID).
		Time("expires_at", creds.ExpiresAt).
		Msg("access token refreshed")
	return nil
}
