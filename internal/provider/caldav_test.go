package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calfeed/calfeed/internal/calfeed"
)

func TestWireTime(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 30, 45, 123456789, time.UTC)
	assert.Equal(t, "20240315T093045Z", wireTime(ts))

	// Non-UTC inputs are converted, not reformatted in place.
	loc := time.FixedZone("plus2", 2*60*60)
	assert.Equal(t, "20240315T093045Z", wireTime(time.Date(2024, 3, 15, 11, 30, 45, 0, loc)))
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"401 Unauthorized", 401},
		{"403 Forbidden: no access to collection", 403},
		{"caldav: query failed: 503 Service Unavailable", 503},
		{"dial tcp: connection refused", 0},
		{"object has 200 entries", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatusFromError(errors.New(tt.in)), tt.in)
	}
	assert.Equal(t, 0, httpStatusFromError(nil))
}

func TestRetryableFetch(t *testing.T) {
	assert.True(t, retryableFetch(0))
	assert.True(t, retryableFetch(500))
	assert.True(t, retryableFetch(503))
	assert.True(t, retryableFetch(http.StatusTooManyRequests))
	assert.False(t, retryableFetch(401))
	assert.False(t, retryableFetch(403))
	assert.False(t, retryableFetch(404))
}

func TestFetchObjects_AuthFailureNotRetried(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCalDAV(srv.URL, "/calendars/personal", BasicAuth("user", "wrong-password"))

	_, err := c.FetchObjects(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	)
	require.Error(t, err)

	fetchErr := &RemoteFetchError{}
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusUnauthorized, fetchErr.Status)
	// Bad credentials fail fast rather than burning the retry budget.
	assert.Equal(t, 1, requests)
}

func TestObjectPath(t *testing.T) {
	c := NewCalDAV("https://dav.example.com", "/calendars/personal/", BasicAuth("u", "p"))
	assert.Equal(t, "/calendars/personal/abc@example.com.ics", c.objectPath("abc@example.com"))
}

func TestCalDAV_CreateEvent(t *testing.T) {
	var (
		gotMethod, gotPath, gotAuth string
		gotBody                     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, pass, _ := r.BasicAuth()
		gotAuth = pass
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewCalDAV(srv.URL, "/calendars/personal", BasicAuth("user@example.com", "app-password"))

	uid, err := c.CreateEvent(context.Background(), calfeed.Event{
		ExternalID: "new-event",
		Title:      "Planning",
		StartsAt:   time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2024, 4, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "new-event", uid)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/calendars/personal/new-event.ics", gotPath)
	assert.Equal(t, "app-password", gotAuth)
	assert.Contains(t, string(gotBody), "UID:new-event")
	assert.Contains(t, string(gotBody), "SUMMARY:Planning")
	assert.Contains(t, string(gotBody), "DTSTART:20240401T100000Z")
}

func TestCalDAV_DeleteEventSeries(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCalDAV(srv.URL, "/calendars/personal", BasicAuth("u", "p"))

	err := c.DeleteEvent(context.Background(), calfeed.Event{ExternalID: "gone"}, ModeSeries, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/calendars/personal/gone.ics", gotPath)
}

func TestCalDAV_MutationFailure(t *testing.T) {
	// Both the direct path and the fallback are rejected: the operation
	// fails with a mutation error and nothing is retried further.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewCalDAV(srv.URL, "/calendars/personal", BasicAuth("u", "p"))

	_, err := c.CreateEvent(context.Background(), calfeed.Event{
		ExternalID: "denied",
		Title:      "Nope",
		StartsAt:   time.Now(),
		EndsAt:     time.Now().Add(time.Hour),
	})
	require.Error(t, err)

	var mutErr *RemoteMutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, "create", mutErr.Op)
}

func TestEventComponent_Override(t *testing.T) {
	occurrence := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	rule := "FREQ=WEEKLY"

	comp := eventComponent("series@example.com", calfeed.Event{
		Title:          "Moved",
		StartsAt:       time.Date(2024, 5, 6, 11, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
		IsRecurring:    true,
		RecurrenceRule: &rule,
	}, &occurrence)

	// An override carries RECURRENCE-ID and never re-states the rule.
	require.NotNil(t, comp.Props.Get("RECURRENCE-ID"))
	assert.Nil(t, comp.Props.Get("RRULE"))
	assert.True(t, overrideMatches(comp, occurrence))
	assert.False(t, overrideMatches(comp, occurrence.Add(time.Hour)))
}
