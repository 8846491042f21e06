package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/calfeed/calfeed/internal/calfeed"
	cferrs "github.com/calfeed/calfeed/internal/errors"
	"github.com/calfeed/calfeed/internal/provider"
)

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feed, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: mux.Vars(r)["feedID"], UserID: uid})
	if err != nil {
		return cferrs.FromDomain(err)
	}

	from, err := timeParam(r, "from")
	if err != nil {
		return err
	}
	to, err := timeParam(r, "to")
	if err != nil {
		return err
	}

	events, err := s.repo.EventsByFeed(r.Context(), feed.ID, from, to)
	if err != nil {
		return cferrs.FromDomain(err)
	}
	if events == nil {
		events = []calfeed.Event{}
	}

	return writeJSON(w, http.StatusOK, events)
}

type eventRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	AllDay         bool      `json:"all_day"`
	RecurrenceRule string    `json:"recurrence_rule"`
}

func (r eventRequest) Validate() error {
	var details []cferrs.Detail
	if r.Title == "" {
		details = append(details, cferrs.Detail{Field: "title", Error: "title is required"})
	}
	if r.StartsAt.IsZero() {
		details = append(details, cferrs.Detail{Field: "starts_at", Error: "starts_at is required"})
	}
	if !r.EndsAt.IsZero() && r.EndsAt.Before(r.StartsAt) {
		details = append(details, cferrs.Detail{Field: "ends_at", Error: "ends_at cannot precede starts_at"})
	}
	if len(details) > 0 {
		return cferrs.E("invalid event", http.StatusUnprocessableEntity, details)
	}

	return nil
}

// postEvents pushes a new event to the feed's remote server, then
// re-syncs so the local mirror picks up exactly what the server stored.
func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feed, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: mux.Vars(r)["feedID"], UserID: uid})
	if err != nil {
		return cferrs.FromDomain(err)
	}

	body, err := decodeValid[eventRequest](r.Body)
	if err != nil {
		sErr := &cferrs.Error{}
		if errors.As(err, &sErr) {
			return sErr
		}
		return cferrs.E(err, http.StatusBadRequest)
	}

	mut, err := s.mutatorFor(r.Context(), feed)
	if err != nil {
		return err
	}

	ev := calfeed.Event{
		Title:       body.Title,
		Description: body.Description,
		Location:    body.Location,
		StartsAt:    body.StartsAt,
		EndsAt:      body.EndsAt,
		AllDay:      body.AllDay,
		Status:      "confirmed",
	}
	if body.EndsAt.IsZero() {
		ev.EndsAt = body.StartsAt.Add(time.Hour)
	}
	if body.RecurrenceRule != "" {
		rule := body.RecurrenceRule
		ev.RecurrenceRule = &rule
		ev.IsRecurring = true
		ev.IsMaster = true
	}

	externalID, err := mut.CreateEvent(r.Context(), ev)
	if err != nil {
		return cferrs.E(err, http.StatusBadGateway)
	}

	if _, err := s.syncer.SyncFeed(r.Context(), feed.ID, uid); err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusCreated, struct {
		ExternalID string `json:"external_id"`
	}{ExternalID: externalID})
}

func (s *Server) patchEvent(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feed, ev, err := s.resolveEvent(r, uid)
	if err != nil {
		return err
	}

	body, err := decodeValid[eventRequest](r.Body)
	if err != nil {
		sErr := &cferrs.Error{}
		if errors.As(err, &sErr) {
			return sErr
		}
		return cferrs.E(err, http.StatusBadRequest)
	}

	mode, err := mutationMode(r)
	if err != nil {
		return err
	}

	mut, err := s.mutatorFor(r.Context(), feed)
	if err != nil {
		return err
	}

	target, occurrence := s.mutationTarget(r, ev)
	target.Title = body.Title
	target.Description = body.Description
	target.Location = body.Location
	target.StartsAt = body.StartsAt
	target.EndsAt = body.EndsAt
	target.AllDay = body.AllDay
	if target.EndsAt.IsZero() {
		target.EndsAt = body.StartsAt.Add(ev.Duration())
	}

	if err := mut.UpdateEvent(r.Context(), target, mode, occurrence); err != nil {
		return cferrs.E(err, http.StatusBadGateway)
	}

	if _, err := s.syncer.SyncFeed(r.Context(), feed.ID, uid); err != nil {
		return cferrs.FromDomain(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feed, ev, err := s.resolveEvent(r, uid)
	if err != nil {
		return err
	}

	mode, err := mutationMode(r)
	if err != nil {
		return err
	}

	mut, err := s.mutatorFor(r.Context(), feed)
	if err != nil {
		return err
	}

	target, occurrence := s.mutationTarget(r, ev)
	if err := mut.DeleteEvent(r.Context(), target, mode, occurrence); err != nil {
		return cferrs.E(err, http.StatusBadGateway)
	}

	if _, err := s.syncer.SyncFeed(r.Context(), feed.ID, uid); err != nil {
		return cferrs.FromDomain(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// resolveEvent loads the feed and event from the path, confirming the
// event actually belongs to the feed the caller named.
func (s *Server) resolveEvent(r *http.Request, uid string) (calfeed.Feed, calfeed.Event, error) {
	vars := mux.Vars(r)

	feed, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: vars["feedID"], UserID: uid})
	if err != nil {
		return calfeed.Feed{}, calfeed.Event{}, cferrs.FromDomain(err)
	}

	ev, err := s.repo.Event(r.Context(), vars["eventID"])
	if err != nil {
		return calfeed.Feed{}, calfeed.Event{}, cferrs.FromDomain(err)
	}
	if ev.FeedID != feed.ID {
		return calfeed.Feed{}, calfeed.Event{}, cferrs.E("event not found", http.StatusNotFound)
	}

	return feed, ev, nil
}

// mutatorFor resolves the feed's provider and requires write support.
// WebCal feeds are read-only by protocol.
func (s *Server) mutatorFor(ctx context.Context, feed calfeed.Feed) (provider.Mutator, error) {
	var account *calfeed.Account
	if feed.AccountID != nil {
		acct, err := s.repo.Account(ctx, *feed.AccountID)
		if err != nil {
			return nil, cferrs.FromDomain(err)
		}
		account = &acct
	}

	prov, err := s.syncer.ProviderFor(feed, account)
	if err != nil {
		return nil, cferrs.E(err, http.StatusUnprocessableEntity)
	}

	mut, ok := prov.(provider.Mutator)
	if !ok {
		return nil, cferrs.E("feed is read-only", http.StatusUnprocessableEntity)
	}

	return mut, nil
}

// mutationTarget maps a stored event onto the remote object the write
// must touch. Instances of a series resolve to the master's external id
// plus the occurrence's original start time; everything else is
// addressed directly.
func (s *Server) mutationTarget(r *http.Request, ev calfeed.Event) (calfeed.Event, time.Time) {
	if ev.Classify() != calfeed.Instance || ev.RecurringEventID == nil {
		return ev, time.Time{}
	}

	occurrence := ev.StartsAt
	// Overrides may have a moved start; the original slot is the
	// occurrence date from the external id at the master's clock time.
	if ev.MasterEventID != nil {
		if master, err := s.repo.Event(r.Context(), *ev.MasterEventID); err == nil {
			occurrence = occurrenceStart(master, ev)
		}
	}

	target := ev
	target.ExternalID = *ev.RecurringEventID
	return target, occurrence
}

func occurrenceStart(master, ev calfeed.Event) time.Time {
	i := strings.LastIndex(ev.ExternalID, "_")
	if i == -1 {
		return ev.StartsAt
	}

	day, err := time.Parse("2006-01-02", ev.ExternalID[i+1:])
	if err != nil {
		return ev.StartsAt
	}

	clock := master.StartsAt
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, clock.Location())
}

func mutationMode(r *http.Request) (provider.MutationMode, error) {
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", string(provider.ModeSeries):
		return provider.ModeSeries, nil
	case string(provider.ModeSingle):
		return provider.ModeSingle, nil
	default:
		return "", cferrs.E(http.StatusUnprocessableEntity, cferrs.Detail{Field: "mode", Error: "mode must be single or series"})
	}
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, cferrs.E(http.StatusUnprocessableEntity, cferrs.Detail{Field: name, Error: "must be RFC 3339"})
	}

	return t, nil
}
