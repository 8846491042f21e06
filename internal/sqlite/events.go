package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/calfeed/calfeed/internal/calfeed"
)

const insertEventQuery = `INSERT INTO events
	(id, feed_id, external_id, title, description, location, starts_at, ends_at,
	 all_day, is_recurring, recurrence_rule, is_master, master_event_id,
	 recurring_event_id, status, sequence, organizer, attendees)
	VALUES
	(:id, :feed_id, :external_id, :title, :description, :location, :starts_at, :ends_at,
	 :all_day, :is_recurring, :recurrence_rule, :is_master, :master_event_id,
	 :recurring_event_id, :status, :sequence, :organizer, :attendees);`

// ReplaceEvents swaps out the feed's entire event set in a single
// transaction: delete everything the feed owns, insert masters first
// while collecting their assigned ids, then insert instances with the
// master link resolved through that map. Instances whose master never
// made it keep a NULL link rather than being dropped.
//
// A failure anywhere rolls the whole swap back, so a crashed sync can
// never leave the feed empty.
func (r Repo) ReplaceEvents(ctx context.Context, feedID string, masters, instances []calfeed.Event) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE feed_id = ?;`, feedID); err != nil {
		return 0, fmt.Errorf("error clearing feed events: %s", err)
	}

	idByExternal := make(map[string]string, len(masters))
	for i := range masters {
		masters[i].ID = fmt.Sprintf("%s%s", uuid.NewString(), eventNamespace)
		masters[i].FeedID = feedID
		idByExternal[masters[i].ExternalID] = masters[i].ID

		if _, err := tx.NamedExecContext(ctx, insertEventQuery, masters[i]); err != nil {
			return 0, fmt.Errorf("error inserting master event %s: %s", masters[i].ExternalID, err)
		}
	}

	for i := range instances {
		instances[i].ID = fmt.Sprintf("%s%s", uuid.NewString(), eventNamespace)
		instances[i].FeedID = feedID
		instances[i].MasterEventID = nil
		if instances[i].RecurringEventID != nil {
			if masterID, ok := idByExternal[*instances[i].RecurringEventID]; ok {
				instances[i].MasterEventID = &masterID
			}
		}

		if _, err := tx.NamedExecContext(ctx, insertEventQuery, instances[i]); err != nil {
			return 0, fmt.Errorf("error inserting event %s: %s", instances[i].ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing event replace: %s", err)
	}

	return len(masters) + len(instances), nil
}

func (r Repo) EventsByFeed(ctx context.Context, feedID string, from, to time.Time) ([]calfeed.Event, error) {
	q := sq.Select("*").From("events").Where(sq.Eq{"feed_id": feedID}).OrderBy("starts_at")
	if !from.IsZero() {
		q = q.Where(sq.GtOrEq{"ends_at": from})
	}
	if !to.IsZero() {
		q = q.Where(sq.LtOrEq{"starts_at": to})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var events []calfeed.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("error selecting events: %s", err)
	}

	return events, nil
}

func (r Repo) Event(ctx context.Context, id string) (calfeed.Event, error) {
	const q = `SELECT * FROM events WHERE id = ?;`

	var event calfeed.Event
	err := r.db.GetContext(ctx, &event, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return calfeed.Event{}, calfeed.ErrNotFound
	}
	if err != nil {
		return calfeed.Event{}, fmt.Errorf("error fetching event: %s", err)
	}

	return event, nil
}

func (r Repo) CountEventsByFeed(ctx context.Context, feedID string) (int, error) {
	const q = `SELECT COUNT(*) FROM events WHERE feed_id = ?;`

	var count int
	if err := r.db.GetContext(ctx, &count, q, feedID); err != nil {
		return 0, fmt.Errorf("error counting events: %s", err)
	}

	return count, nil
}
