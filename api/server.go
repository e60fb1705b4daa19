// Package api serves the admin REST surface: health, backfill and
// queue-blocks submission, and dead-letter redrive. The ingestion data
// path never goes through here.
package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/tos-network/ethidx/backfill"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

var (
	requestMeter  = metrics.NewRegisteredMeter("api/requests", nil)
	rejectedMeter = metrics.NewRegisteredMeter("api/rejected", nil)
)

// Planner is the backfill surface the API drives. Satisfied by
// backfill.Planner.
type Planner interface {
	Run(ctx context.Context, start, end uint64, batch int) (*backfill.Report, error)
	QueueBlocks(ctx context.Context, start, end uint64) (int, error)
}

// Redriver republishes dead-letter rows. Satisfied by store.Store.
type Redriver interface {
	Redrive(ctx context.Context, jobType string, publish store.PublishFunc) (int, error)
}

// RawPublisher pushes redriven payloads back onto their queue. Satisfied
// by queue.Manager.
type RawPublisher interface {
	PushRaw(ctx context.Context, queueName, id string, payload []byte) error
}

// Authenticator checks hashed API keys against the admins table. Satisfied
// by store.Store.
type Authenticator interface {
	AuthenticateAPIKey(ctx context.Context, keyHash string) (bool, error)
}

// Config holds the admin API settings.
type Config struct {
	Port int `toml:",omitempty"`
}

// DefaultConfig is the API configuration used when none is supplied.
var DefaultConfig = Config{
	Port: 8080,
}

// Server is the admin API.
type Server struct {
	cfg       Config
	planner   Planner
	redriver  Redriver
	publisher RawPublisher
	auth      Authenticator
	log       log.Logger
}

// New assembles the admin API. A nil auth disables the API-key check.
func New(cfg Config, planner Planner, redriver Redriver, publisher RawPublisher, auth Authenticator) *Server {
	if cfg.Port <= 0 {
		cfg.Port = DefaultConfig.Port
	}
	return &Server{
		cfg:       cfg,
		planner:   planner,
		redriver:  redriver,
		publisher: publisher,
		auth:      auth,
		log:       log.New("module", "api"),
	}
}

// Router builds the route table. Health stays open; every mutating
// endpoint goes through the API-key check when one is configured.
func (s *Server) Router() http.Handler {
	router := httprouter.New()
	router.GET("/api/health", s.handleHealth)
	router.POST("/api/backfill", s.authed(s.handleBackfill))
	router.POST("/api/queue-blocks", s.authed(s.handleQueueBlocks))
	router.POST("/api/redrive-blocks", s.authed(s.redriveHandler(queue.KindBlock)))
	router.POST("/api/redrive-logs", s.authed(s.redriveHandler(queue.KindLog)))
	return cors.AllowAll().Handler(router)
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("Admin API listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ethereum-indexer-api",
	})
}

type backfillRequest struct {
	Start     *uint64 `json:"start"`
	End       *uint64 `json:"end"`
	BatchSize int     `json:"batch_size"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestMeter.Mark(1)
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body is not valid json")
		return
	}
	if req.Start == nil || req.End == nil {
		badRequest(w, "start and end are required")
		return
	}
	report, err := s.planner.Run(r.Context(), *req.Start, *req.End, req.BatchSize)
	if errors.Is(err, backfill.ErrInvalidRange) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		s.log.Error("Backfill request failed", "start", *req.Start, "end", *req.End, "err", err)
		body := map[string]interface{}{"error": err.Error()}
		if report != nil {
			body["details"] = report
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	s.log.Info("Backfill accepted", "start", *req.Start, "end", *req.End,
		"blocks", report.BlocksQueued, "logs", report.LogsQueued)
	writeJSON(w, http.StatusCreated, report)
}

type queueBlocksRequest struct {
	Start *uint64 `json:"start"`
	End   *uint64 `json:"end"`
}

func (s *Server) handleQueueBlocks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestMeter.Mark(1)
	var req queueBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body is not valid json")
		return
	}
	if req.Start == nil || req.End == nil {
		badRequest(w, "start and end are required")
		return
	}
	queued, err := s.planner.QueueBlocks(r.Context(), *req.Start, *req.End)
	if errors.Is(err, backfill.ErrInvalidRange) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		s.log.Error("Queue-blocks request failed", "start", *req.Start, "end", *req.End, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status": "queued",
		"queued": queued,
		"start":  *req.Start,
		"end":    *req.End,
	})
}

func (s *Server) redriveHandler(kind queue.Kind) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestMeter.Mark(1)
		count, err := s.redriver.Redrive(r.Context(), string(kind), s.publisher.PushRaw)
		if err != nil {
			s.log.Error("Redrive failed", "type", kind, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.log.Info("Redrive finished", "type", kind, "redriven", count)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"redriven": count,
		})
	}
}

// authed wraps a handler with the X-API-Key check. Keys are stored MD5
// hashed in the admins table.
func (s *Server) authed(h httprouter.Handle) httprouter.Handle {
	if s.auth == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			unauthorized(w)
			return
		}
		sum := md5.Sum([]byte(key))
		ok, err := s.auth.AuthenticateAPIKey(r.Context(), hex.EncodeToString(sum[:]))
		if err != nil {
			s.log.Error("API key check failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "authentication unavailable"})
			return
		}
		if !ok {
			unauthorized(w)
			return
		}
		h(w, r, ps)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	rejectedMeter.Mark(1)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func unauthorized(w http.ResponseWriter) {
	rejectedMeter.Mark(1)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
