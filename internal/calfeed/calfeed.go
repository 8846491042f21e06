// Package calfeed holds the domain types shared between the storage,
// sync, and API layers.
package calfeed

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")
)

// FeedType identifies which provider a feed talks to.
type FeedType string

const (
	FeedTypeGoogle  FeedType = "google"
	FeedTypeOutlook FeedType = "outlook"
	FeedTypeCalDAV  FeedType = "caldav"
	FeedTypeWebCal  FeedType = "webcal"
)

func (t FeedType) Valid() bool {
	switch t {
	case FeedTypeGoogle, FeedTypeOutlook, FeedTypeCalDAV, FeedTypeWebCal:
		return true
	}
	return false
}

type (
	// Feed is one user's subscription to an external calendar.
	Feed struct {
		ID           string     `db:"id"`
		UserID       string     `db:"user_id"`
		AccountID    *string    `db:"account_id"`
		Type         FeedType   `db:"type"`
		URL          string     `db:"url"`
		Name         string     `db:"name"`
		Color        string     `db:"color"`
		Enabled      bool       `db:"enabled"`
		CalDAVPath   string     `db:"caldav_path"`
		SyncToken    *string    `db:"sync_token"`
		LastError    *string    `db:"last_error"`
		LastSyncedAt *time.Time `db:"last_synced_at"`
		CreatedAt    time.Time  `db:"created_at"`
		UpdatedAt    time.Time  `db:"updated_at"`
	}

	// Event is a single calendar entry owned by a feed: either a
	// recurrence master, an expanded/overridden instance, or a
	// standalone event.
	Event struct {
		ID             string     `db:"id"`
		FeedID         string     `db:"feed_id"`
		ExternalID     string     `db:"external_id"`
		Title          string     `db:"title"`
		Description    string     `db:"description"`
		Location       string     `db:"location"`
		StartsAt       time.Time  `db:"starts_at"`
		EndsAt         time.Time  `db:"ends_at"`
		AllDay         bool       `db:"all_day"`
		IsRecurring    bool       `db:"is_recurring"`
		RecurrenceRule *string    `db:"recurrence_rule"`
		IsMaster       bool       `db:"is_master"`
		MasterEventID  *string    `db:"master_event_id"`
		RecurringEventID *string  `db:"recurring_event_id"`
		Status         string     `db:"status"`
		Sequence       int        `db:"sequence"`
		Organizer      string     `db:"organizer"`
		Attendees      StringList `db:"attendees"`
		CreatedAt      time.Time  `db:"created_at"`

		// EXDATE timestamps from the wire. Consumed during recurrence
		// expansion, never persisted.
		ExDates []time.Time `db:"-"`

		// The RECURRENCE-ID instant for an override: the original start
		// of the occurrence it replaces, even when the override itself
		// moved. Consumed during reconciliation, never persisted.
		RecurrenceID *time.Time `db:"-"`
	}

	// Account holds the credentials for CalDAV and OAuth-backed feeds.
	// Token acquisition happens elsewhere; this layer only stores and
	// uses opaque tokens.
	Account struct {
		ID             string     `db:"id"`
		UserID         string     `db:"user_id"`
		Email          string     `db:"email"`
		CalDAVUsername string     `db:"caldav_username"`
		ServerURL      string     `db:"server_url"`
		AccessToken    string     `db:"access_token"`
		TokenExpiry    *time.Time `db:"token_expiry"`
		CreatedAt      time.Time  `db:"created_at"`
	}

	// FeedFilter narrows a feed lookup. ID and UserID are required by
	// every caller; URL and Type guard against stale or forged ids.
	FeedFilter struct {
		ID     string
		UserID string
		URL    string
		Type   FeedType
	}

	// Holds the optional fields for updating a feed.
	UpdateFeedArgs struct {
		Name       string
		Color      string
		Enabled    *bool
		LastSynced time.Time
		SyncToken  string
		Error      string
		ClearError bool
	}

	Repository interface {
		FindFeed(ctx context.Context, filter FeedFilter) (Feed, error)
		InsertFeed(ctx context.Context, feed Feed) (Feed, error)
		DeleteFeed(ctx context.Context, id, userID string) error
		AllFeeds(ctx context.Context, userID string) ([]Feed, error)
		EnabledFeeds(ctx context.Context) ([]Feed, error)
		UpdateFeed(ctx context.Context, id string, args UpdateFeedArgs) error

		Account(ctx context.Context, id string) (Account, error)

		// ReplaceEvents swaps the feed's entire event set in one
		// transaction: masters are inserted first and instances have
		// their master link resolved through the masters' external ids.
		ReplaceEvents(ctx context.Context, feedID string, masters, instances []Event) (int, error)
		EventsByFeed(ctx context.Context, feedID string, from, to time.Time) ([]Event, error)
		Event(ctx context.Context, id string) (Event, error)
		CountEventsByFeed(ctx context.Context, feedID string) (int, error)
	}
)

// Classification reports which of the three event shapes an event is.
// Exactly one of these holds for any well-formed event.
type Classification int

const (
	Standalone Classification = iota
	Master
	Instance
)

func (e Event) Classify() Classification {
	switch {
	case e.IsMaster:
		return Master
	case e.MasterEventID != nil || e.RecurringEventID != nil:
		return Instance
	default:
		return Standalone
	}
}

func (e Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// StringList stores a list of strings as a JSON text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("error marshaling string list: %s", err)
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
