// Package api serves the feed and event management routes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/calfeed/calfeed/internal/calfeed"
	cferrs "github.com/calfeed/calfeed/internal/errors"
	feedsync "github.com/calfeed/calfeed/internal/sync"
)

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

// validator is a surface that can validate itself and return an error
// if something is wrong.
type validator interface {
	Validate() error
}

// decodeValid decodes a request and then validates it.
func decodeValid[V validator](r io.Reader) (V, error) {
	var v V
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return v, fmt.Errorf("error decoding request: %w", err)
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("error validating request: %w", err)
	}

	return v, nil
}

// HandlerFuncE is a modified type of [http.HandlerFunc] that returns an error.
type HandlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	// Either it's already a structured error, or coerce it to one
	sErr := &cferrs.Error{}
	if !errors.As(err, &sErr) {
		slog.Error("unstructured handler error", "err", err)
		sErr = cferrs.E(http.StatusInternalServerError, "internal server error")
	}

	if err := writeJSON(w, sErr.Status, sErr); err != nil {
		slog.Error("error writing response", "error", err)
	}
}

// errRouter is a newtype around a mux router that allows attaching handlers that return errors.
type errRouter struct {
	*mux.Router
}

func (r errRouter) HandleFuncE(path string, f HandlerFuncE) *mux.Route {
	return r.Handle(path, f)
}

func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("request received", "method", r.Method, "path", r.URL.Path)
		start := time.Now()

		writer := &respCodeWriter{ResponseWriter: w}
		next.ServeHTTP(writer, r)

		slog.Info("request completed",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", time.Since(start),
			"status_code", writer.code,
		)
	})
}

// To trap the response status code for logging later.
type respCodeWriter struct {
	http.ResponseWriter
	code int
}

func (w *respCodeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

type (
	// Server handles requests to manage calendar feeds and to read or
	// edit the events synced from them.
	Server struct {
		*http.Server

		repo   calfeed.Repository
		syncer *feedsync.Syncer
	}

	ServerConfig struct {
		Port       int
		CorsHeader string
	}
)

func NewServer(config ServerConfig, repo calfeed.Repository, syncer *feedsync.Syncer) *Server {
	r := errRouter{Router: mux.NewRouter()}

	srvr := Server{
		repo:   repo,
		syncer: syncer,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsHeader}),
				handlers.AllowCredentials(),
				handlers.AllowedMethods([]string{
					http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
				}),
				handlers.AllowedHeaders([]string{"content-type", "x-user-id"}),
			)(r),
		},
	}

	r.Use(AccessLogMiddleware) // Log everything

	// Feed management
	r.HandleFuncE("/v1/feeds", srvr.postFeeds).Methods(http.MethodPost)
	r.HandleFuncE("/v1/feeds", srvr.getFeeds).Methods(http.MethodGet)
	r.HandleFuncE("/v1/feeds/{feedID}", srvr.getFeed).Methods(http.MethodGet)
	r.HandleFuncE("/v1/feeds/{feedID}", srvr.patchFeed).Methods(http.MethodPatch)
	r.HandleFuncE("/v1/feeds/{feedID}", srvr.deleteFeed).Methods(http.MethodDelete)

	// Sync triggers
	r.HandleFuncE("/v1/feeds/{feedID}/sync", srvr.postFeedSync).Methods(http.MethodPost)
	r.HandleFuncE("/v1/sync", srvr.postSyncAll).Methods(http.MethodPost)

	// Event reads and the mutation gateway
	r.HandleFuncE("/v1/feeds/{feedID}/events", srvr.getEvents).Methods(http.MethodGet)
	r.HandleFuncE("/v1/feeds/{feedID}/events", srvr.postEvents).Methods(http.MethodPost)
	r.HandleFuncE("/v1/feeds/{feedID}/events/{eventID}", srvr.patchEvent).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFuncE("/v1/feeds/{feedID}/events/{eventID}", srvr.deleteEvent).Methods(http.MethodDelete)

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}

// userID resolves the acting user. Authentication happens upstream of
// this service; the gateway forwards the identity in a header.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return "", cferrs.E("missing X-User-ID header", http.StatusUnauthorized)
	}
	return id, nil
}
