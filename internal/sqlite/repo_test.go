package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/calfeed/calfeed/internal/calfeed"
	"github.com/calfeed/calfeed/internal/migrations"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// The migrator and the repo share the single in-memory connection.
	db.SetMaxOpenConns(1)

	require.NoError(t, migrations.Run(db))

	return New(db)
}

func insertTestFeed(t *testing.T, repo Repo) calfeed.Feed {
	t.Helper()

	feed, err := repo.InsertFeed(context.Background(), calfeed.Feed{
		UserID:  "user-1",
		Type:    calfeed.FeedTypeWebCal,
		URL:     "https://example.com/cal.ics",
		Name:    "Team Calendar",
		Color:   "#3366ff",
		Enabled: true,
	})
	require.NoError(t, err)
	return feed
}

func TestInsertAndFindFeed(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	got, err := repo.FindFeed(ctx, calfeed.FeedFilter{
		ID:     feed.ID,
		UserID: "user-1",
		URL:    "https://example.com/cal.ics",
		Type:   calfeed.FeedTypeWebCal,
	})
	require.NoError(t, err)
	assert.Equal(t, feed.ID, got.ID)
	assert.Equal(t, "Team Calendar", got.Name)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.LastSyncedAt)
}

func TestFindFeed_WrongUser(t *testing.T) {
	var (
		repo = newTestRepo(t)
		feed = insertTestFeed(t, repo)
	)

	_, err := repo.FindFeed(context.Background(), calfeed.FeedFilter{ID: feed.ID, UserID: "someone-else"})
	assert.ErrorIs(t, err, calfeed.ErrNotFound)
}

func TestInsertFeed_Conflict(t *testing.T) {
	repo := newTestRepo(t)
	insertTestFeed(t, repo)

	_, err := repo.InsertFeed(context.Background(), calfeed.Feed{
		UserID: "user-1",
		Type:   calfeed.FeedTypeWebCal,
		URL:    "https://example.com/cal.ics",
	})
	assert.ErrorIs(t, err, calfeed.ErrConflict)
}

func TestUpdateFeed_ErrorStamping(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	require.NoError(t, repo.UpdateFeed(ctx, feed.ID, calfeed.UpdateFeedArgs{Error: "remote fetch failed with status 500"}))

	got, err := repo.FindFeed(ctx, calfeed.FeedFilter{ID: feed.ID, UserID: "user-1"})
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "remote fetch failed with status 500", *got.LastError)
	assert.Nil(t, got.LastSyncedAt)

	now := time.Now().UTC()
	require.NoError(t, repo.UpdateFeed(ctx, feed.ID, calfeed.UpdateFeedArgs{LastSynced: now, ClearError: true}))

	got, err = repo.FindFeed(ctx, calfeed.FeedFilter{ID: feed.ID, UserID: "user-1"})
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSyncedAt)
}

func masterEvent(externalID string) calfeed.Event {
	rule := "FREQ=DAILY;COUNT=3"
	return calfeed.Event{
		ExternalID:     externalID,
		Title:          "Master",
		StartsAt:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		IsMaster:       true,
		IsRecurring:    true,
		RecurrenceRule: &rule,
		Status:         "confirmed",
	}
}

func instanceEvent(masterExternalID, externalID string, start time.Time) calfeed.Event {
	return calfeed.Event{
		ExternalID:       externalID,
		Title:            "Instance",
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
		RecurringEventID: &masterExternalID,
		Status:           "confirmed",
	}
}

func TestReplaceEvents_ResolvesMasterLinks(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	masters := []calfeed.Event{masterEvent("series@example.com")}
	instances := []calfeed.Event{
		instanceEvent("series@example.com", "series@example.com_2024-01-01", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
		instanceEvent("missing@example.com", "missing@example.com_2024-01-01", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
	}

	n, err := repo.ReplaceEvents(ctx, feed.ID, masters, instances)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := repo.EventsByFeed(ctx, feed.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	var masterID string
	for _, ev := range events {
		if ev.IsMaster {
			masterID = ev.ID
		}
	}
	require.NotEmpty(t, masterID)

	for _, ev := range events {
		switch ev.ExternalID {
		case "series@example.com_2024-01-01":
			require.NotNil(t, ev.MasterEventID)
			assert.Equal(t, masterID, *ev.MasterEventID)
		case "missing@example.com_2024-01-01":
			// Orphan instances keep a NULL link rather than being dropped.
			assert.Nil(t, ev.MasterEventID)
		}
	}
}

func TestReplaceEvents_Idempotent(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	masters := []calfeed.Event{masterEvent("series@example.com")}

	_, err := repo.ReplaceEvents(ctx, feed.ID, masters, nil)
	require.NoError(t, err)
	_, err = repo.ReplaceEvents(ctx, feed.ID, masters, nil)
	require.NoError(t, err)

	count, err := repo.CountEventsByFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteFeed_Cascades(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	_, err := repo.ReplaceEvents(ctx, feed.ID, []calfeed.Event{masterEvent("series@example.com")}, nil)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteFeed(ctx, feed.ID, "user-1"))

	count, err := repo.CountEventsByFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = repo.FindFeed(ctx, calfeed.FeedFilter{ID: feed.ID, UserID: "user-1"})
	assert.ErrorIs(t, err, calfeed.ErrNotFound)
}

func TestDeleteFeed_WrongUser(t *testing.T) {
	var (
		repo = newTestRepo(t)
		feed = insertTestFeed(t, repo)
	)

	err := repo.DeleteFeed(context.Background(), feed.ID, "someone-else")
	assert.ErrorIs(t, err, calfeed.ErrNotFound)
}

func TestEventsByFeed_TimeRange(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		feed = insertTestFeed(t, repo)
	)

	standalone := func(externalID string, start time.Time) calfeed.Event {
		return calfeed.Event{
			ExternalID: externalID,
			Title:      externalID,
			StartsAt:   start,
			EndsAt:     start.Add(time.Hour),
			Status:     "confirmed",
		}
	}

	_, err := repo.ReplaceEvents(ctx, feed.ID, nil, []calfeed.Event{
		standalone("jan", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)),
		standalone("feb", time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC)),
		standalone("mar", time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	events, err := repo.EventsByFeed(ctx, feed.ID,
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "feb", events[0].ExternalID)
}

func TestDSNAppliesPragmas(t *testing.T) {
	path := t.TempDir() + "/calfeed.db"

	db, err := sqlx.Open("sqlite", DSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	var journalMode string
	require.NoError(t, db.Get(&journalMode, `PRAGMA journal_mode;`))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.Get(&busyTimeout, `PRAGMA busy_timeout;`))
	assert.Equal(t, 5000, busyTimeout)
}

func TestAccountRoundTrip(t *testing.T) {
	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
	)

	account, err := repo.InsertAccount(ctx, calfeed.Account{
		UserID:         "user-1",
		Email:          "user@example.com",
		CalDAVUsername: "user",
		ServerURL:      "https://dav.example.com",
		AccessToken:    "app-password",
	})
	require.NoError(t, err)

	got, err := repo.Account(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email)

	_, err = repo.Account(ctx, "nope")
	assert.ErrorIs(t, err, calfeed.ErrNotFound)
}
