package store

import (
	"context"
	"time"

	"github.com/scimbridge/adsync/internal/events"
)

type eventRow struct {
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"timestamp"`
	Type      int       `db:"type"`
	Category  int       `db:"category"`
	Message   string    `db:"message"`
	Source    string    `db:"source"`
}

// AppendEvent implements events.Sink.
func (s *Store) AppendEvent(ev events.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO active_directory_event (timestamp, type, category, message, source)
		 VALUES (?, ?, ?, ?, ?)`,
		ts, int(ev.Type), int(ev.Category), ev.Message, ev.Source)
	return err
}

// SelectEvents returns the newest events first, at most limit of them.
func (s *Store) SelectEvents(ctx context.Context, limit int) ([]events.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, timestamp, type, category, message, source
		 FROM active_directory_event ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, events.Event{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Type:      events.Type(r.Type),
			Category:  events.Category(r.Category),
			Message:   r.Message,
			Source:    r.Source,
		})
	}
	return out, nil
}

// SelectEventsPage returns a newest-first page of the event log. The RPC
// event browser reads it with an offset so operators can page backwards.
func (s *Store) SelectEventsPage(ctx context.Context, offset, limit int) ([]events.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, timestamp, type, category, message, source
		 FROM active_directory_event ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, events.Event{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Type:      events.Type(r.Type),
			Category:  events.Category(r.Category),
			Message:   r.Message,
			Source:    r.Source,
		})
	}
	return out, nil
}

// DeleteAllEvents empties the event log.
func (s *Store) DeleteAllEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_directory_event`)
	return err
}

// PruneEventsBefore drops events older than the cutoff and returns how many
// went. The monitor prunes at the start of every sync cycle.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM active_directory_event WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
