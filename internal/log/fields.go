// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldEventID   = "event_id"
	FieldVenueID   = "venue_id"
	FieldTrackID   = "track_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldDeviceID  = "device_id"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldTopic     = "topic"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStatus   = "status"

	// Queue fields
	FieldPosition  = "position"
	FieldScore     = "score"
	FieldVoteCount = "vote_count"
)
