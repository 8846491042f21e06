package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/calfeed/calfeed/internal/calfeed"
)

func (r Repo) FindFeed(ctx context.Context, filter calfeed.FeedFilter) (calfeed.Feed, error) {
	q := sq.Select("*").From("feeds").Where(sq.Eq{
		"id":      filter.ID,
		"user_id": filter.UserID,
	})
	if filter.URL != "" {
		q = q.Where(sq.Eq{"url": filter.URL})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"type": filter.Type})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return calfeed.Feed{}, fmt.Errorf("error constructing sql: %s", err)
	}

	var feed calfeed.Feed
	err = r.db.GetContext(ctx, &feed, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return calfeed.Feed{}, calfeed.ErrNotFound
	}
	if err != nil {
		return calfeed.Feed{}, fmt.Errorf("error fetching feed: %s", err)
	}

	return feed, nil
}

func (r Repo) InsertFeed(ctx context.Context, feed calfeed.Feed) (calfeed.Feed, error) {
	const q = `INSERT INTO feeds (id, user_id, account_id, type, url, name, color, enabled, caldav_path)
	VALUES (:id, :user_id, :account_id, :type, :url, :name, :color, :enabled, :caldav_path);`

	feed.ID = fmt.Sprintf("%s%s", uuid.NewString(), feedNamespace)
	_, err := r.db.NamedExecContext(ctx, q, feed)
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) && sqliteErr.Code() == 2067 {
		return calfeed.Feed{}, fmt.Errorf("feed already exists for this url: %w", calfeed.ErrConflict)
	}
	if err != nil {
		return calfeed.Feed{}, fmt.Errorf("error inserting feed: %s", err)
	}

	return r.FindFeed(ctx, calfeed.FeedFilter{ID: feed.ID, UserID: feed.UserID})
}

// DeleteFeed removes the feed and every event it owns in one
// transaction.
func (r Repo) DeleteFeed(ctx context.Context, id, userID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE feed_id = ?;`, id); err != nil {
		return fmt.Errorf("error deleting feed events: %s", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ? AND user_id = ?;`, id, userID)
	if err != nil {
		return fmt.Errorf("error deleting feed: %s", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calfeed.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing feed delete: %s", err)
	}

	return nil
}

func (r Repo) AllFeeds(ctx context.Context, userID string) ([]calfeed.Feed, error) {
	const q = `SELECT * FROM feeds WHERE user_id = ? ORDER BY created_at;`

	var feeds []calfeed.Feed
	if err := r.db.SelectContext(ctx, &feeds, q, userID); err != nil {
		return nil, fmt.Errorf("error selecting feeds: %s", err)
	}

	return feeds, nil
}

// EnabledFeeds returns every enabled feed across all users, for the
// scheduler.
func (r Repo) EnabledFeeds(ctx context.Context) ([]calfeed.Feed, error) {
	const q = `SELECT * FROM feeds WHERE enabled = 1;`

	var feeds []calfeed.Feed
	if err := r.db.SelectContext(ctx, &feeds, q); err != nil {
		return nil, fmt.Errorf("error selecting enabled feeds: %s", err)
	}

	return feeds, nil
}

func (r Repo) UpdateFeed(ctx context.Context, id string, args calfeed.UpdateFeedArgs) error {
	q := sq.Update("feeds")
	if args.Name != "" {
		q = q.Set("name", args.Name)
	}
	if args.Color != "" {
		q = q.Set("color", args.Color)
	}
	if args.Enabled != nil {
		q = q.Set("enabled", *args.Enabled)
	}
	if !args.LastSynced.IsZero() {
		q = q.Set("last_synced_at", args.LastSynced)
	}
	if args.SyncToken != "" {
		q = q.Set("sync_token", args.SyncToken)
	}
	if args.Error != "" {
		q = q.Set("last_error", args.Error)
	}
	if args.ClearError {
		q = q.Set("last_error", nil)
	}
	q = q.Set("updated_at", time.Now().UTC())
	q = q.Where(sq.Eq{"id": id})

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, qArgs...); err != nil {
		return fmt.Errorf("error executing feed update: %s", err)
	}

	return nil
}

func (r Repo) Account(ctx context.Context, id string) (calfeed.Account, error) {
	const q = `SELECT * FROM accounts WHERE id = ?;`

	var account calfeed.Account
	err := r.db.GetContext(ctx, &account, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return calfeed.Account{}, calfeed.ErrNotFound
	}
	if err != nil {
		return calfeed.Account{}, fmt.Errorf("error fetching account: %s", err)
	}

	return account, nil
}

// InsertAccount stores credentials for a CalDAV or OAuth-backed
// account. Token acquisition happens outside this service.
func (r Repo) InsertAccount(ctx context.Context, account calfeed.Account) (calfeed.Account, error) {
	const q = `INSERT INTO accounts (id, user_id, email, caldav_username, server_url, access_token, token_expiry)
	VALUES (:id, :user_id, :email, :caldav_username, :server_url, :access_token, :token_expiry);`

	account.ID = fmt.Sprintf("%s%s", uuid.NewString(), accountNamespace)
	if _, err := r.db.NamedExecContext(ctx, q, account); err != nil {
		return calfeed.Account{}, fmt.Errorf("error inserting account: %s", err)
	}

	return r.Account(ctx, account.ID)
}
