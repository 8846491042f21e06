// Package provider abstracts the wire protocols used to reach external
// calendars. Every feed type resolves to one Provider; CalDAV-backed
// providers additionally support pushing local edits back to the
// server.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// Object is one raw calendar resource as fetched from the remote
// server. Raw holds iCalendar text; Path is the server-side resource
// path when the protocol has one.
type Object struct {
	Path string
	Raw  []byte
}

// MutationMode selects whether a write touches one occurrence or the
// whole series.
type MutationMode string

const (
	ModeSingle MutationMode = "single"
	ModeSeries MutationMode = "series"
)

type (
	// Provider fetches raw calendar objects for a time range.
	Provider interface {
		FetchObjects(ctx context.Context, start, end time.Time) ([]Object, error)
		TestConnection(ctx context.Context) error
	}

	// Mutator pushes local edits to the remote server. For single-mode
	// operations on a recurring series, ev carries the master's
	// external id and occurrence is the target occurrence's original
	// start time.
	Mutator interface {
		CreateEvent(ctx context.Context, ev calfeed.Event) (string, error)
		UpdateEvent(ctx context.Context, ev calfeed.Event, mode MutationMode, occurrence time.Time) error
		DeleteEvent(ctx context.Context, ev calfeed.Event, mode MutationMode, occurrence time.Time) error
	}
)

// ErrWebCalNotFound is the 404-equivalent for a WebCal URL that
// resolves but does not serve a calendar. Distinct from a transport
// failure.
var ErrWebCalNotFound = errors.New("webcal calendar not found")

// RemoteFetchError is a non-2xx (or transport-level) failure fetching
// from the remote server. Status is zero when no HTTP status was
// observed.
type RemoteFetchError struct {
	Status int
	Err    error
}

func (e *RemoteFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote fetch failed with status %d: %s", e.Status, e.Err)
	}
	return fmt.Sprintf("remote fetch failed: %s", e.Err)
}

func (e *RemoteFetchError) Unwrap() error {
	return e.Err
}

// RemoteMutationError is a create/update/delete the server rejected
// even after the fallback path.
type RemoteMutationError struct {
	Op  string
	Err error
}

func (e *RemoteMutationError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Op, e.Err)
}

func (e *RemoteMutationError) Unwrap() error {
	return e.Err
}

// ForFeed builds the provider for a feed. OAuth-backed feed types
// (google, outlook) are CalDAV endpoints reached with the account's
// token as a bearer; plain CalDAV uses Basic auth with the account's
// token as the password.
func ForFeed(feed calfeed.Feed, account *calfeed.Account) (Provider, error) {
	switch feed.Type {
	case calfeed.FeedTypeWebCal:
		return NewWebCal(feed.URL), nil

	case calfeed.FeedTypeCalDAV:
		if account == nil {
			return nil, fmt.Errorf("caldav feed %s has no account", feed.ID)
		}
		username := account.CalDAVUsername
		if username == "" {
			username = account.Email
		}
		return NewCalDAV(account.ServerURL, feed.CalDAVPath, BasicAuth(username, account.AccessToken)), nil

	case calfeed.FeedTypeGoogle, calfeed.FeedTypeOutlook:
		if account == nil {
			return nil, fmt.Errorf("%s feed %s has no account", feed.Type, feed.ID)
		}
		return NewCalDAV(account.ServerURL, feed.CalDAVPath, BearerAuth(account.AccessToken)), nil

	default:
		return nil, fmt.Errorf("unknown feed type: %q", feed.Type)
	}
}
