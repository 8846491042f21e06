// Package sync implements the per-feed synchronization algorithm:
// fetch the remote calendar, normalize and expand it, and replace the
// feed's local event set with the result.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/calfeed/calfeed/internal/calfeed"
	"github.com/calfeed/calfeed/internal/ical"
	"github.com/calfeed/calfeed/internal/provider"
	"github.com/calfeed/calfeed/logger"
)

// ErrFeedNotFound guards against stale or forged feed references.
var ErrFeedNotFound = fmt.Errorf("feed not found: %w", calfeed.ErrNotFound)

// ProviderFactory builds the provider for a feed. Swappable in tests.
type ProviderFactory func(feed calfeed.Feed, account *calfeed.Account) (provider.Provider, error)

// state of one sync run, for logging.
type state string

const (
	stateFetching    state = "fetching"
	stateParsing     state = "parsing"
	stateExpanding   state = "expanding"
	stateReconciling state = "reconciling"
	stateDone        state = "done"
	stateFailed      state = "failed"
)

type (
	Syncer struct {
		Repo        calfeed.Repository
		ProviderFor ProviderFactory
		Now         func() time.Time

		// Serializes overlapping syncs of the same feed so two runs
		// can't interleave their delete-then-insert swaps.
		locks gosync.Map
	}

	// Result summarizes one feed's sync run.
	Result struct {
		FeedID      string
		Masters     int
		Instances   int
		Standalones int
		Persisted   int
		Duration    time.Duration
	}

	// BatchResult summarizes a sync-all run. Failures are isolated per
	// feed.
	BatchResult struct {
		Synced int
		Failed int
		Errors map[string]string
	}
)

func New(repo calfeed.Repository) *Syncer {
	return &Syncer{
		Repo:        repo,
		ProviderFor: provider.ForFeed,
		Now:         time.Now,
	}
}

// SyncFeed runs one full synchronization of a feed: the feed's stored
// event set afterwards is exactly the set derived from this fetch.
//
// On failure the feed's error field is stamped and lastSyncedAt is left
// alone; steps already committed are not rolled back beyond what the
// storage transaction covers.
func (s *Syncer) SyncFeed(ctx context.Context, id, userID string) (Result, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ctx = logger.Ctx(ctx, slog.String("feed_id", id))
	started := s.Now()

	feed, err := s.Repo.FindFeed(ctx, calfeed.FeedFilter{ID: id, UserID: userID})
	if errors.Is(err, calfeed.ErrNotFound) {
		return Result{}, ErrFeedNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("error resolving feed: %w", err)
	}

	var account *calfeed.Account
	if feed.AccountID != nil {
		acct, err := s.Repo.Account(ctx, *feed.AccountID)
		if err != nil {
			return Result{}, s.fail(ctx, feed, fmt.Errorf("error resolving account: %w", err))
		}
		account = &acct
	}

	prov, err := s.ProviderFor(feed, account)
	if err != nil {
		return Result{}, s.fail(ctx, feed, err)
	}

	windowStart, windowEnd := ical.Window(s.Now())

	slog.DebugContext(ctx, "sync state", "state", stateFetching)
	objects, err := prov.FetchObjects(ctx, windowStart, windowEnd)
	if err != nil {
		return Result{}, s.fail(ctx, feed, err)
	}

	slog.DebugContext(ctx, "sync state", "state", stateParsing, "objects", len(objects))
	events := s.parseObjects(ctx, objects)

	var masters, others []calfeed.Event
	for _, ev := range events {
		if ev.Classify() == calfeed.Master {
			masters = append(masters, ev)
		} else {
			others = append(others, ev)
		}
	}

	// Slots already claimed by explicit overrides: a generated
	// occurrence never shadows the exception that replaces it. Keyed on
	// the RECURRENCE-ID instant so an override moved to another day
	// still suppresses the occurrence at its original slot; overrides
	// without a parseable RECURRENCE-ID fall back to the external id.
	overriddenSlots := make(map[string]bool, len(others))
	overriddenIDs := make(map[string]bool, len(others))
	standalones := 0
	for _, ev := range others {
		if ev.Classify() != calfeed.Instance {
			standalones++
			continue
		}
		if ev.RecurrenceID != nil && ev.RecurringEventID != nil {
			overriddenSlots[slotKey(*ev.RecurringEventID, *ev.RecurrenceID)] = true
		} else {
			overriddenIDs[ev.ExternalID] = true
		}
	}

	slog.DebugContext(ctx, "sync state", "state", stateExpanding, "masters", len(masters))
	for _, master := range masters {
		for _, inst := range ical.Expand(master, windowStart, windowEnd) {
			if overriddenSlots[slotKey(master.ExternalID, inst.StartsAt)] || overriddenIDs[inst.ExternalID] {
				continue
			}
			others = append(others, inst)
		}
	}

	slog.DebugContext(ctx, "sync state", "state", stateReconciling, "events", len(masters)+len(others))
	persisted, err := s.Repo.ReplaceEvents(ctx, feed.ID, masters, others)
	if err != nil {
		return Result{}, s.fail(ctx, feed, err)
	}

	now := s.Now().UTC()
	if err := s.Repo.UpdateFeed(ctx, feed.ID, calfeed.UpdateFeedArgs{
		LastSynced: now,
		SyncToken:  now.Format(time.RFC3339),
		ClearError: true,
	}); err != nil {
		return Result{}, s.fail(ctx, feed, err)
	}

	result := Result{
		FeedID:      feed.ID,
		Masters:     len(masters),
		Instances:   len(others) - standalones,
		Standalones: standalones,
		Persisted:   persisted,
		Duration:    s.Now().Sub(started),
	}
	slog.InfoContext(ctx, "sync state", "state", stateDone, "persisted", persisted, "duration", result.Duration)

	return result, nil
}

// SyncAll syncs every enabled feed, isolating failures per feed.
func (s *Syncer) SyncAll(ctx context.Context) (BatchResult, error) {
	feeds, err := s.Repo.EnabledFeeds(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("error listing enabled feeds: %w", err)
	}

	result := BatchResult{Errors: map[string]string{}}
	for _, feed := range feeds {
		if _, err := s.SyncFeed(ctx, feed.ID, feed.UserID); err != nil {
			slog.ErrorContext(ctx, "feed sync failed", "feed_id", feed.ID, "error", err)
			result.Failed++
			result.Errors[feed.ID] = err.Error()
			continue
		}
		result.Synced++
	}

	return result, nil
}

// parseObjects parses and normalizes every fetched object, skipping
// malformed ones: one bad calendar object never aborts the feed.
func (s *Syncer) parseObjects(ctx context.Context, objects []provider.Object) []calfeed.Event {
	var events []calfeed.Event
	for _, obj := range objects {
		comps, err := ical.ParseEvents(bytes.NewReader(obj.Raw))
		if err != nil {
			slog.WarnContext(ctx, "skipping malformed calendar object", "path", obj.Path, "error", err)
			continue
		}
		events = append(events, ical.NormalizeBatch(comps, s.Now())...)
	}

	return events
}

// fail stamps the feed's error for the settings surface, leaving
// lastSyncedAt untouched, and hands the failure back to the caller so
// scheduled jobs can alert.
func (s *Syncer) fail(ctx context.Context, feed calfeed.Feed, err error) error {
	slog.ErrorContext(ctx, "sync state", "state", stateFailed, "error", err)
	if uerr := s.Repo.UpdateFeed(ctx, feed.ID, calfeed.UpdateFeedArgs{Error: err.Error()}); uerr != nil {
		slog.ErrorContext(ctx, "error recording feed failure", "error", uerr)
	}

	return err
}

func slotKey(masterID string, occurrence time.Time) string {
	return masterID + "@" + occurrence.UTC().Format(time.RFC3339)
}

func (s *Syncer) lockFor(feedID string) *gosync.Mutex {
	mu, _ := s.locks.LoadOrStore(feedID, &gosync.Mutex{})
	return mu.(*gosync.Mutex)
}
