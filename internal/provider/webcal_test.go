package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webcalBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nEND:VCALENDAR\r\n"

func TestWebCal_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Write([]byte(webcalBody))
	}))
	defer srv.Close()

	objects, err := NewWebCal(srv.URL).FetchObjects(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, webcalBody, string(objects[0].Raw))
}

func TestWebCal_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"not": "a calendar"}`))
	}))
	defer srv.Close()

	_, err := NewWebCal(srv.URL).FetchObjects(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWebCalNotFound)

	// Not a transport failure: no RemoteFetchError in the chain.
	var fetchErr *RemoteFetchError
	assert.False(t, errors.As(err, &fetchErr))
}

func TestWebCal_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWebCal(srv.URL).FetchObjects(context.Background(), time.Now(), time.Now())
	require.Error(t, err)

	var fetchErr *RemoteFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.Status)
}

func TestWebCal_ConditionalGet(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(webcalBody))
	}))
	defer srv.Close()

	w := NewWebCal(srv.URL)

	first, err := w.FetchObjects(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)

	second, err := w.FetchObjects(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, hits)
	assert.Equal(t, string(first[0].Raw), string(second[0].Raw))
}

func TestNormalizeWebCalURL(t *testing.T) {
	assert.Equal(t, "https://example.com/cal.ics", normalizeWebCalURL("webcal://example.com/cal.ics"))
	assert.Equal(t, "http://example.com/cal.ics", normalizeWebCalURL("http://example.com/cal.ics"))
}
