package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// The original service relied on the HTTP client's default (none);
// every remote call here is bounded instead.
const fetchTimeout = 30 * time.Second

const calendarContentType = "text/calendar; charset=utf-8"

// Auth carries whichever credential scheme the account uses.
type Auth struct {
	username string
	password string
	bearer   string
}

func BasicAuth(username, password string) Auth {
	return Auth{username: username, password: password}
}

func BearerAuth(token string) Auth {
	return Auth{bearer: token}
}

// CalDAV talks to one calendar collection on a CalDAV server. The
// underlying client is built lazily and owned by a single sync
// invocation; it is not shared across requests.
type CalDAV struct {
	serverURL    string
	calendarPath string
	auth         Auth

	client  *caldav.Client
	httpCli *http.Client
}

var (
	_ Provider = (*CalDAV)(nil)
	_ Mutator  = (*CalDAV)(nil)
)

func NewCalDAV(serverURL, calendarPath string, auth Auth) *CalDAV {
	return &CalDAV{
		serverURL:    serverURL,
		calendarPath: calendarPath,
		auth:         auth,
	}
}

func (c *CalDAV) connect(ctx context.Context) (*caldav.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	base := &http.Client{Timeout: fetchTimeout}

	var httpClient webdav.HTTPClient = base
	switch {
	case c.auth.bearer != "":
		cli := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: c.auth.bearer,
			TokenType:   "Bearer",
		}))
		cli.Timeout = fetchTimeout
		httpClient = cli
		c.httpCli = cli
	case c.auth.username != "":
		httpClient = webdav.HTTPClientWithBasicAuth(base, c.auth.username, c.auth.password)
		c.httpCli = base
	default:
		c.httpCli = base
	}

	client, err := caldav.NewClient(httpClient, c.serverURL)
	if err != nil {
		return nil, fmt.Errorf("error creating caldav client: %w", err)
	}

	c.client = client
	return client, nil
}

// FetchObjects issues a calendar-query REPORT scoped to
// VCALENDAR/VEVENT with a time-range filter and returns the raw
// calendar objects. Transient failures get a couple of retries with
// backoff before the feed's sync is marked failed.
func (c *CalDAV) FetchObjects(ctx context.Context, start, end time.Time) ([]Object, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, &RemoteFetchError{Err: err}
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	var (
		objects []caldav.CalendarObject
		status  int
	)
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, qerr := client.QueryCalendar(ctx, c.calendarPath, query)
		if qerr != nil {
			status = httpStatusFromError(qerr)
			// Auth and other client errors won't heal on their own;
			// only transport failures and server-side trouble retry.
			if retryableFetch(status) {
				return retry.RetryableError(qerr)
			}
			return qerr
		}
		objects = res
		return nil
	})
	if err != nil {
		return nil, &RemoteFetchError{Status: status, Err: err}
	}

	out := make([]Object, 0, len(objects))
	for _, obj := range objects {
		var buf bytes.Buffer
		if err := goical.NewEncoder(&buf).Encode(obj.Data); err != nil {
			slog.Warn("skipping unencodable calendar object", "path", obj.Path, "error", err)
			continue
		}
		out = append(out, Object{Path: obj.Path, Raw: buf.Bytes()})
	}

	return out, nil
}

func (c *CalDAV) TestConnection(ctx context.Context) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := client.FindCalendars(ctx, ""); err != nil {
		return fmt.Errorf("error connecting to caldav server: %w", err)
	}
	return nil
}

// CreateEvent PUTs a new single-event object and returns its external
// id.
func (c *CalDAV) CreateEvent(ctx context.Context, ev calfeed.Event) (string, error) {
	uid := ev.ExternalID
	if uid == "" {
		uid = fmt.Sprintf("calfeed-%s", uuid.NewString())
	}

	cal := newCalendar(eventComponent(uid, ev, nil))
	if err := c.putCalendar(ctx, c.objectPath(uid), cal); err != nil {
		return "", &RemoteMutationError{Op: "create", Err: err}
	}

	return uid, nil
}

// UpdateEvent rewrites the whole series object, or, in single mode,
// re-PUTs the master object with a RECURRENCE-ID override component
// for the target occurrence. That is how exception instances are
// represented on the wire.
func (c *CalDAV) UpdateEvent(ctx context.Context, ev calfeed.Event, mode MutationMode, occurrence time.Time) error {
	if mode == ModeSingle && ev.IsRecurring {
		return c.updateSingleOccurrence(ctx, ev, occurrence)
	}

	cal := newCalendar(eventComponent(ev.ExternalID, ev, nil))
	if err := c.putCalendar(ctx, c.objectPath(ev.ExternalID), cal); err != nil {
		return &RemoteMutationError{Op: "update", Err: err}
	}
	return nil
}

// DeleteEvent removes the whole series object, or, in single mode,
// adds an EXDATE for the target occurrence to the master object and
// re-PUTs it.
func (c *CalDAV) DeleteEvent(ctx context.Context, ev calfeed.Event, mode MutationMode, occurrence time.Time) error {
	if mode == ModeSingle && ev.IsRecurring {
		return c.deleteSingleOccurrence(ctx, ev, occurrence)
	}

	if err := c.deleteObject(ctx, c.objectPath(ev.ExternalID)); err != nil {
		return &RemoteMutationError{Op: "delete", Err: err}
	}
	return nil
}

func (c *CalDAV) updateSingleOccurrence(ctx context.Context, ev calfeed.Event, occurrence time.Time) error {
	client, err := c.connect(ctx)
	if err != nil {
		return &RemoteMutationError{Op: "update", Err: err}
	}

	path := c.objectPath(ev.ExternalID)
	obj, err := client.GetCalendarObject(ctx, path)
	if err != nil {
		return &RemoteMutationError{Op: "update", Err: fmt.Errorf("error fetching master object: %w", err)}
	}

	// Drop any previous override for the same occurrence, then append
	// the new one.
	cal := obj.Data
	kept := cal.Component.Children[:0]
	for _, child := range cal.Component.Children {
		if child.Name == goical.CompEvent && overrideMatches(child, occurrence) {
			continue
		}
		kept = append(kept, child)
	}
	cal.Component.Children = append(kept, eventComponent(ev.ExternalID, ev, &occurrence))

	if err := c.putCalendar(ctx, path, cal); err != nil {
		return &RemoteMutationError{Op: "update", Err: err}
	}
	return nil
}

func (c *CalDAV) deleteSingleOccurrence(ctx context.Context, ev calfeed.Event, occurrence time.Time) error {
	client, err := c.connect(ctx)
	if err != nil {
		return &RemoteMutationError{Op: "delete", Err: err}
	}

	path := c.objectPath(ev.ExternalID)
	obj, err := client.GetCalendarObject(ctx, path)
	if err != nil {
		return &RemoteMutationError{Op: "delete", Err: fmt.Errorf("error fetching master object: %w", err)}
	}

	cal := obj.Data
	for _, child := range cal.Component.Children {
		if child.Name != goical.CompEvent || child.Props.Get("RRULE") == nil {
			continue
		}
		ex := goical.NewProp("EXDATE")
		ex.SetDateTime(occurrence.UTC())
		child.Props.Add(ex)
	}

	if err := c.putCalendar(ctx, path, cal); err != nil {
		return &RemoteMutationError{Op: "delete", Err: err}
	}
	return nil
}

// putCalendar PUTs directly to the derived object URL, falling back to
// the generic calendar-object call when the server rejects direct URL
// addressing.
func (c *CalDAV) putCalendar(ctx context.Context, path string, cal *goical.Calendar) error {
	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("error encoding calendar object: %w", err)
	}

	directErr := c.do(ctx, http.MethodPut, path, buf.Bytes())
	if directErr == nil {
		return nil
	}

	client, err := c.connect(ctx)
	if err != nil {
		return directErr
	}
	if _, err := client.PutCalendarObject(ctx, path, cal); err != nil {
		return fmt.Errorf("direct put failed (%s) and fallback failed: %w", directErr, err)
	}
	return nil
}

func (c *CalDAV) deleteObject(ctx context.Context, path string) error {
	directErr := c.do(ctx, http.MethodDelete, path, nil)
	if directErr == nil {
		return nil
	}

	client, err := c.connect(ctx)
	if err != nil {
		return directErr
	}
	if err := client.RemoveAll(ctx, path); err != nil {
		return fmt.Errorf("direct delete failed (%s) and fallback failed: %w", directErr, err)
	}
	return nil
}

// do issues a raw HTTP request against the server for the direct
// PUT/DELETE path.
func (c *CalDAV) do(ctx context.Context, method, path string, body []byte) error {
	if _, err := c.connect(ctx); err != nil {
		return err
	}

	url := strings.TrimRight(c.serverURL, "/") + path
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", calendarContentType)
	}
	switch {
	case c.auth.bearer != "":
		req.Header.Set("Authorization", "Bearer "+c.auth.bearer)
	case c.auth.username != "":
		req.SetBasicAuth(c.auth.username, c.auth.password)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// go-webdav keeps its HTTPError type in an internal package, so the
// status code has to be recovered from the formatted message, which
// always leads with "<code> <status text>".
var httpStatusPattern = regexp.MustCompile(`(?:^|: )([1-5][0-9]{2}) [A-Z]`)

func httpStatusFromError(err error) int {
	if err == nil {
		return 0
	}
	m := httpStatusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func retryableFetch(status int) bool {
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

func (c *CalDAV) objectPath(externalID string) string {
	return strings.TrimRight(c.calendarPath, "/") + "/" + externalID + ".ics"
}

// wireTime renders a timestamp in the basic ISO 8601 form CalDAV
// expects on the wire: all punctuation stripped, no sub-second part.
func wireTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func overrideMatches(comp *goical.Component, occurrence time.Time) bool {
	prop := comp.Props.Get("RECURRENCE-ID")
	if prop == nil {
		return false
	}
	return prop.Value == wireTime(occurrence)
}

// eventComponent renders the internal event as a VEVENT. A non-nil
// recurrenceID marks the component as a single-occurrence override.
func eventComponent(uid string, ev calfeed.Event, recurrenceID *time.Time) *goical.Component {
	event := goical.NewEvent()
	props := event.Component.Props

	props.SetText("UID", uid)
	props.SetText("SUMMARY", ev.Title)
	if ev.Description != "" {
		props.SetText("DESCRIPTION", ev.Description)
	}
	if ev.Location != "" {
		props.SetText("LOCATION", ev.Location)
	}
	props.SetDateTime("DTSTART", ev.StartsAt.UTC())
	props.SetDateTime("DTEND", ev.EndsAt.UTC())
	props.SetText("STATUS", strings.ToUpper(statusOrDefault(ev.Status)))
	if ev.RecurrenceRule != nil && recurrenceID == nil {
		props.SetText("RRULE", *ev.RecurrenceRule)
	}
	if recurrenceID != nil {
		rid := goical.NewProp("RECURRENCE-ID")
		rid.SetDateTime(recurrenceID.UTC())
		props.Set(rid)
	}
	props.SetDateTime("DTSTAMP", time.Now().UTC())

	return event.Component
}

func statusOrDefault(status string) string {
	if status == "" {
		return "confirmed"
	}
	return status
}

func newCalendar(events ...*goical.Component) *goical.Calendar {
	cal := goical.NewCalendar()
	cal.Props.SetText("VERSION", "2.0")
	cal.Props.SetText("PRODID", "-//calfeed//calfeed//EN")
	cal.Component.Children = append(cal.Component.Children, events...)
	return cal
}
