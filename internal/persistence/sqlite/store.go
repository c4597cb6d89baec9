// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
)

const schemaVersion = 1

// Store implements ports.Repository on a SQLite database.
type Store struct {
	DB *sql.DB

	now func() time.Time
}

var _ ports.Repository = (*Store)(nil)

// NewStore opens the database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := Open(dbPath, DefaultPoolConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		venue_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		scheduled_start_ms INTEGER NOT NULL,
		scheduled_end_ms INTEGER NOT NULL,
		actual_start_ms INTEGER,
		actual_end_ms INTEGER,
		playlist_source TEXT,
		playlist_config_json TEXT,
		voting_rules_json TEXT NOT NULL,
		current_track_id TEXT,
		current_track_started_ms INTEGER,
		total_tracks INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_venue_status ON events(venue_id, status);

	CREATE TABLE IF NOT EXISTS queue_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		track_id TEXT NOT NULL,
		track_uri TEXT NOT NULL,
		track_name TEXT NOT NULL,
		artist_name TEXT NOT NULL,
		album_name TEXT,
		album_art TEXT,
		duration_ms INTEGER NOT NULL,
		vote_count INTEGER NOT NULL,
		last_voted_ms INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		added_at_ms INTEGER NOT NULL,
		added_by TEXT NOT NULL,
		is_played INTEGER NOT NULL DEFAULT 0,
		played_at_ms INTEGER,
		skipped INTEGER NOT NULL DEFAULT 0,
		skipped_reason TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_event_track_unplayed
		ON queue_items(event_id, track_id) WHERE is_played = 0;
	CREATE INDEX IF NOT EXISTS idx_queue_event_played
		ON queue_items(event_id, is_played);
	CREATE INDEX IF NOT EXISTS idx_queue_event_played_at
		ON queue_items(event_id, played_at_ms);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- time helpers: all timestamps persist as Unix milliseconds ---

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- events ---

func (s *Store) CreateEvent(ctx context.Context, ev *model.Event) error {
	configJSON, err := json.Marshal(ev.PlaylistConfig)
	if err != nil {
		return fmt.Errorf("store: marshal playlist config: %w", err)
	}
	rulesJSON, err := json.Marshal(ev.Rules)
	if err != nil {
		return fmt.Errorf("store: marshal voting rules: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
	INSERT INTO events (
		id, venue_id, name, description, status,
		scheduled_start_ms, scheduled_end_ms, actual_start_ms, actual_end_ms,
		playlist_source, playlist_config_json, voting_rules_json,
		current_track_id, current_track_started_ms,
		created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.VenueID, ev.Name, nullStr(ev.Description), string(ev.Status),
		ms(ev.ScheduledStart), ms(ev.ScheduledEnd), msPtr(ev.ActualStart), msPtr(ev.ActualEnd),
		nullStr(ev.PlaylistSource), string(configJSON), string(rulesJSON),
		nullStr(ev.CurrentTrackID), msPtr(ev.CurrentTrackStartedAt),
		ms(ev.CreatedAt), ms(ev.UpdatedAt),
	)
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, ev *model.Event) error {
	configJSON, err := json.Marshal(ev.PlaylistConfig)
	if err != nil {
		return fmt.Errorf("store: marshal playlist config: %w", err)
	}
	rulesJSON, err := json.Marshal(ev.Rules)
	if err != nil {
		return fmt.Errorf("store: marshal voting rules: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
	UPDATE events SET
		name = ?, description = ?, status = ?,
		scheduled_start_ms = ?, scheduled_end_ms = ?, actual_start_ms = ?, actual_end_ms = ?,
		playlist_source = ?, playlist_config_json = ?, voting_rules_json = ?,
		updated_at_ms = ?
	WHERE id = ?`,
		ev.Name, nullStr(ev.Description), string(ev.Status),
		ms(ev.ScheduledStart), ms(ev.ScheduledEnd), msPtr(ev.ActualStart), msPtr(ev.ActualEnd),
		nullStr(ev.PlaylistSource), string(configJSON), string(rulesJSON),
		ms(ev.UpdatedAt), ev.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const eventColumns = `
	id, venue_id, name, description, status,
	scheduled_start_ms, scheduled_end_ms, actual_start_ms, actual_end_ms,
	playlist_source, playlist_config_json, voting_rules_json,
	current_track_id, current_track_started_ms,
	created_at_ms, updated_at_ms`

func (s *Store) FindEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT`+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *Store) FindVenueActiveEvent(ctx context.Context, venueID string) (*model.Event, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT`+eventColumns+` FROM events WHERE venue_id = ? AND status = ? LIMIT 1`,
		venueID, string(model.StatusActive))
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *Store) ListVenueEvents(ctx context.Context, venueID string) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT`+eventColumns+` FROM events
		WHERE venue_id = ? AND status IN (?, ?, ?)
		ORDER BY scheduled_start_ms ASC`,
		venueID, string(model.StatusDraft), string(model.StatusScheduled), string(model.StatusActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (s *Store) UpdateEventStatus(ctx context.Context, id string, status model.Status, actualStart, actualEnd *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
	UPDATE events SET
		status = ?,
		actual_start_ms = COALESCE(?, actual_start_ms),
		actual_end_ms = COALESCE(?, actual_end_ms),
		updated_at_ms = ?
	WHERE id = ?`,
		string(status), msPtr(actualStart), msPtr(actualEnd), ms(s.now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateEventStats(ctx context.Context, id string, totalTracks int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE events SET total_tracks = ?, updated_at_ms = ? WHERE id = ?`,
		totalTracks, ms(s.now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateEventNowPlaying(ctx context.Context, id, trackID string, startedAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
	UPDATE events SET
		current_track_id = ?,
		current_track_started_ms = ?,
		updated_at_ms = ?
	WHERE id = ?`,
		nullStr(trackID), msPtr(startedAt), ms(s.now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		ev                     model.Event
		description            sql.NullString
		actualStart, actualEnd sql.NullInt64
		playlistSource         sql.NullString
		configJSON, rulesJSON  string
		currentTrackID         sql.NullString
		currentStarted         sql.NullInt64
		schedStart, schedEnd   int64
		createdAt, updatedAt   int64
		status                 string
	)

	err := row.Scan(
		&ev.ID, &ev.VenueID, &ev.Name, &description, &status,
		&schedStart, &schedEnd, &actualStart, &actualEnd,
		&playlistSource, &configJSON, &rulesJSON,
		&currentTrackID, &currentStarted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Description = description.String
	ev.Status = model.Status(status)
	ev.ScheduledStart = fromMS(schedStart)
	ev.ScheduledEnd = fromMS(schedEnd)
	ev.ActualStart = fromMSPtr(actualStart)
	ev.ActualEnd = fromMSPtr(actualEnd)
	ev.PlaylistSource = playlistSource.String
	ev.CurrentTrackID = currentTrackID.String
	ev.CurrentTrackStartedAt = fromMSPtr(currentStarted)
	ev.CreatedAt = fromMS(createdAt)
	ev.UpdatedAt = fromMS(updatedAt)

	if configJSON != "" && configJSON != "null" {
		if err := json.Unmarshal([]byte(configJSON), &ev.PlaylistConfig); err != nil {
			return nil, fmt.Errorf("store: playlist config corrupt for event %s: %w", ev.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(rulesJSON), &ev.Rules); err != nil {
		return nil, fmt.Errorf("store: voting rules corrupt for event %s: %w", ev.ID, err)
	}
	return &ev, nil
}

// --- queue items ---

const queueColumns = `
	id, event_id, track_id, track_uri, track_name, artist_name,
	album_name, album_art, duration_ms,
	vote_count, last_voted_ms, score, position,
	added_at_ms, added_by,
	is_played, played_at_ms, skipped, skipped_reason`

func (s *Store) FindQueueItem(ctx context.Context, eventID, trackID string, unplayedOnly bool) (*model.QueueItem, error) {
	q := `SELECT` + queueColumns + ` FROM queue_items WHERE event_id = ? AND track_id = ?`
	if unplayedOnly {
		q += ` AND is_played = 0`
	}
	q += ` ORDER BY id DESC LIMIT 1`

	row := s.DB.QueryRowContext(ctx, q, eventID, trackID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *Store) ListQueueItems(ctx context.Context, eventID string, unplayedOnly bool) ([]model.QueueItem, error) {
	q := `SELECT` + queueColumns + ` FROM queue_items WHERE event_id = ?`
	if unplayedOnly {
		q += ` AND is_played = 0`
	}
	q += ` ORDER BY position ASC, id ASC`

	rows, err := s.DB.QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// UpsertQueueItem inserts a new unplayed row or, if the (event, track) pair
// is already queued, folds the vote into the existing row. The partial
// unique index is the conflict target, so played rows never absorb new
// votes. item.ID is populated on return.
func (s *Store) UpsertQueueItem(ctx context.Context, item *model.QueueItem) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO queue_items (
		event_id, track_id, track_uri, track_name, artist_name,
		album_name, album_art, duration_ms,
		vote_count, last_voted_ms, score, position,
		added_at_ms, added_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id, track_id) WHERE is_played = 0 DO UPDATE SET
		vote_count = vote_count + 1,
		last_voted_ms = excluded.last_voted_ms,
		score = excluded.score`,
		item.EventID, item.TrackID, item.TrackURI, item.TrackName, item.ArtistName,
		nullStr(item.AlbumName), nullStr(item.AlbumArt), item.DurationMs,
		item.VoteCount, ms(item.LastVotedAt), item.Score, item.Position,
		ms(item.AddedAt), item.AddedBy,
	)
	if err != nil {
		return err
	}

	var id int64
	err = s.DB.QueryRowContext(ctx,
		`SELECT id FROM queue_items WHERE event_id = ? AND track_id = ? AND is_played = 0`,
		item.EventID, item.TrackID).Scan(&id)
	if err != nil {
		return err
	}
	item.ID = id
	return nil
}

func (s *Store) UpdateQueueScoreAndVote(ctx context.Context, id int64, voteCount int, lastVotedAt time.Time, score int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE queue_items SET vote_count = ?, last_voted_ms = ?, score = ? WHERE id = ? AND is_played = 0`,
		voteCount, ms(lastVotedAt), score, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdatePositionsBatch(ctx context.Context, updates []ports.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE queue_items SET position = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Position, u.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) MarkQueueItem(ctx context.Context, id int64, playedAt time.Time, skipped bool, reason string) error {
	res, err := s.DB.ExecContext(ctx, `
	UPDATE queue_items SET
		is_played = 1, played_at_ms = ?, skipped = ?, skipped_reason = ?, position = 0
	WHERE id = ? AND is_played = 0`,
		ms(playedAt), skipped, nullStr(reason), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) AnnotateSkipped(ctx context.Context, id int64, reason string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE queue_items SET skipped = 1, skipped_reason = ? WHERE id = ? AND is_played = 1`,
		nullStr(reason), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteQueueItem(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteUnplayedForEvent(ctx context.Context, eventID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM queue_items WHERE event_id = ? AND is_played = 0`, eventID)
	return err
}

func (s *Store) CountVotesForEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(vote_count), 0) FROM queue_items WHERE event_id = ?`,
		eventID).Scan(&n)
	return n, err
}

func (s *Store) CountPlayedForEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE event_id = ? AND is_played = 1`,
		eventID).Scan(&n)
	return n, err
}

func (s *Store) ListRecentlyPlayed(ctx context.Context, eventID string, limit int, since time.Time) ([]model.RecentPlay, error) {
	cutoff := int64(0)
	if !since.IsZero() {
		cutoff = ms(since)
	}

	rows, err := s.DB.QueryContext(ctx, `
	SELECT track_id, artist_name, played_at_ms FROM queue_items
	WHERE event_id = ? AND is_played = 1 AND played_at_ms >= ?
	ORDER BY played_at_ms DESC LIMIT ?`,
		eventID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plays []model.RecentPlay
	for rows.Next() {
		var (
			p        model.RecentPlay
			playedAt int64
		)
		if err := rows.Scan(&p.TrackID, &p.ArtistName, &playedAt); err != nil {
			return nil, err
		}
		p.PlayedAt = fromMS(playedAt)
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	var (
		item                model.QueueItem
		albumName, albumArt sql.NullString
		lastVoted, addedAt  int64
		playedAt            sql.NullInt64
		skippedReason       sql.NullString
	)

	err := row.Scan(
		&item.ID, &item.EventID, &item.TrackID, &item.TrackURI, &item.TrackName, &item.ArtistName,
		&albumName, &albumArt, &item.DurationMs,
		&item.VoteCount, &lastVoted, &item.Score, &item.Position,
		&addedAt, &item.AddedBy,
		&item.IsPlayed, &playedAt, &item.Skipped, &skippedReason,
	)
	if err != nil {
		return nil, err
	}

	item.AlbumName = albumName.String
	item.AlbumArt = albumArt.String
	item.LastVotedAt = fromMS(lastVoted)
	item.AddedAt = fromMS(addedAt)
	item.PlayedAt = fromMSPtr(playedAt)
	item.SkippedReason = skippedReason.String
	return &item, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
