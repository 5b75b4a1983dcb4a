// Package server exposes a small HTTP API for health checks, bridge status,
// and price history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/storage"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

// StatusProvider reports the current bridge state.
type StatusProvider interface {
	Status() types.Status
}

// Server handles the HTTP status API.
type Server struct {
	bridge  StatusProvider
	storage storage.Database

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(b StatusProvider, s storage.Database) *Server {
	srv := &Server{
		bridge:  b,
		storage: s,
	}

	listenAddr := lflag.String("http-listen", "", "HTTP status server listen address (empty to disable)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run blocks until ctx is canceled. With no listen address configured it
// idles so the caller's shutdown flow stays the same.
func (s *Server) Run(ctx context.Context) error {
	if s.listenAddr == "" {
		log.Ctx(ctx).InfoContext(ctx, "http server disabled")
		<-ctx.Done()
		return nil
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.bridge.Status()); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHistoryPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	frames, err := s.storage.GetPriceHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get price history", log.Error(err))
		http.Error(w, "failed to get price history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// fully historical ranges never change, so let clients cache them longer
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	if err := json.NewEncoder(w).Encode(frames); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 7*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 7 days")
	}

	return start, end, nil
}
