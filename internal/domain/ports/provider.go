// SPDX-License-Identifier: MIT

package ports

import "context"

// Device is one playback target known to the music provider.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// Provider is the external music service that actually plays audio. The core
// never parses provider HTTP itself; failures surface as PROVIDER_ERROR
// faults.
type Provider interface {
	PlayTrack(ctx context.Context, venueID, trackURI, deviceID string) error
	PausePlayback(ctx context.Context, venueID string) error
	ResumePlayback(ctx context.Context, venueID string) error
	ListDevices(ctx context.Context, venueID string) ([]Device, error)
}
