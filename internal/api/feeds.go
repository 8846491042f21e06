package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calfeed/calfeed/internal/calfeed"
	cferrs "github.com/calfeed/calfeed/internal/errors"
	"github.com/calfeed/calfeed/internal/provider"
	feedsync "github.com/calfeed/calfeed/internal/sync"
)

type createFeedRequest struct {
	Type       calfeed.FeedType `json:"type"`
	URL        string           `json:"url"`
	Name       string           `json:"name"`
	Color      string           `json:"color"`
	AccountID  *string          `json:"account_id"`
	CalDAVPath string           `json:"caldav_path"`
}

func (r createFeedRequest) Validate() error {
	var details []cferrs.Detail
	if !r.Type.Valid() {
		details = append(details, cferrs.Detail{Field: "type", Error: fmt.Sprintf("unknown feed type: %q", r.Type)})
	}
	if r.URL == "" {
		details = append(details, cferrs.Detail{Field: "url", Error: "url is required"})
	}
	if r.Type != calfeed.FeedTypeWebCal && r.AccountID == nil {
		details = append(details, cferrs.Detail{Field: "account_id", Error: "account_id is required for this feed type"})
	}
	if len(details) > 0 {
		return cferrs.E("invalid feed", http.StatusUnprocessableEntity, details)
	}

	return nil
}

func (s *Server) postFeeds(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	body, err := decodeValid[createFeedRequest](r.Body)
	if err != nil {
		sErr := &cferrs.Error{}
		if errors.As(err, &sErr) {
			return sErr
		}
		return cferrs.E(err, http.StatusBadRequest)
	}

	feed := calfeed.Feed{
		UserID:     uid,
		AccountID:  body.AccountID,
		Type:       body.Type,
		URL:        body.URL,
		Name:       body.Name,
		Color:      body.Color,
		Enabled:    true,
		CalDAVPath: body.CalDAVPath,
	}
	if feed.Name == "" {
		feed.Name = "Untitled Calendar"
	}
	if feed.Color == "" {
		feed.Color = "#4285f4"
	}

	// Probe the remote before storing anything: a URL that resolves but
	// serves no calendar is the user pasting the wrong link, and they
	// should hear about it now rather than from a background sync.
	var account *calfeed.Account
	if feed.AccountID != nil {
		acct, err := s.repo.Account(r.Context(), *feed.AccountID)
		if err != nil {
			return cferrs.FromDomain(fmt.Errorf("error resolving account: %w", err))
		}
		account = &acct
	}

	prov, err := s.syncer.ProviderFor(feed, account)
	if err != nil {
		return cferrs.E(err, http.StatusUnprocessableEntity)
	}
	if err := prov.TestConnection(r.Context()); err != nil {
		if errors.Is(err, provider.ErrWebCalNotFound) {
			return cferrs.E(err, http.StatusNotFound)
		}
		return cferrs.E(err, http.StatusBadGateway)
	}

	inserted, err := s.repo.InsertFeed(r.Context(), feed)
	if err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusCreated, inserted)
}

func (s *Server) getFeeds(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feeds, err := s.repo.AllFeeds(r.Context(), uid)
	if err != nil {
		return cferrs.FromDomain(err)
	}
	if feeds == nil {
		feeds = []calfeed.Feed{}
	}

	return writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	feed, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: mux.Vars(r)["feedID"], UserID: uid})
	if err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusOK, feed)
}

type patchFeedRequest struct {
	Name    *string `json:"name"`
	Color   *string `json:"color"`
	Enabled *bool   `json:"enabled"`
}

func (r patchFeedRequest) Validate() error {
	if r.Name != nil && *r.Name == "" {
		return cferrs.E(http.StatusUnprocessableEntity, cferrs.Detail{Field: "name", Error: "name cannot be blank"})
	}
	return nil
}

func (s *Server) patchFeed(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	body, err := decodeValid[patchFeedRequest](r.Body)
	if err != nil {
		sErr := &cferrs.Error{}
		if errors.As(err, &sErr) {
			return sErr
		}
		return cferrs.E(err, http.StatusBadRequest)
	}

	// Ownership check before the blind update.
	feed, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: mux.Vars(r)["feedID"], UserID: uid})
	if err != nil {
		return cferrs.FromDomain(err)
	}

	args := calfeed.UpdateFeedArgs{Enabled: body.Enabled}
	if body.Name != nil {
		args.Name = *body.Name
	}
	if body.Color != nil {
		args.Color = *body.Color
	}
	if err := s.repo.UpdateFeed(r.Context(), feed.ID, args); err != nil {
		return cferrs.FromDomain(err)
	}

	updated, err := s.repo.FindFeed(r.Context(), calfeed.FeedFilter{ID: feed.ID, UserID: uid})
	if err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteFeed(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFeed(r.Context(), mux.Vars(r)["feedID"], uid); err != nil {
		return cferrs.FromDomain(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) postFeedSync(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}

	result, err := s.syncer.SyncFeed(r.Context(), mux.Vars(r)["feedID"], uid)
	if err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusOK, syncResultResponse(result))
}

func (s *Server) postSyncAll(w http.ResponseWriter, r *http.Request) error {
	if _, err := userID(r); err != nil {
		return err
	}

	result, err := s.syncer.SyncAll(r.Context())
	if err != nil {
		return cferrs.FromDomain(err)
	}

	return writeJSON(w, http.StatusOK, result)
}

type syncResult struct {
	FeedID      string `json:"feed_id"`
	Masters     int    `json:"masters"`
	Instances   int    `json:"instances"`
	Standalones int    `json:"standalones"`
	Persisted   int    `json:"persisted"`
	DurationMS  int64  `json:"duration_ms"`
}

func syncResultResponse(r feedsync.Result) syncResult {
	return syncResult{
		FeedID:      r.FeedID,
		Masters:     r.Masters,
		Instances:   r.Instances,
		Standalones: r.Standalones,
		Persisted:   r.Persisted,
		DurationMS:  r.Duration.Milliseconds(),
	}
}
