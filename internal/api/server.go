// Package api exposes the workflow REST surface: saving definitions,
// listing them, starting ad-hoc runs, and polling execution status.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/workflow"
)

// Authenticator resolves the calling user from a request. The websocket
// layer and this API share one implementation.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Server struct {
	store  store.Store
	engine *workflow.Engine
	sched  *workflow.Scheduler
	auth   Authenticator
	log    *slog.Logger
}

func NewServer(st store.Store, engine *workflow.Engine, sched *workflow.Scheduler, auth Authenticator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, engine: engine, sched: sched, auth: auth, log: log}
}

// Register mounts the API under /api.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/workflows", s.withUser(s.handleSaveWorkflow)).Methods(http.MethodPost)
	r.HandleFunc("/api/workflows", s.withUser(s.handleListWorkflows)).Methods(http.MethodGet)
	r.HandleFunc("/api/workflows/run", s.withUser(s.handleRun)).Methods(http.MethodPost)
	r.HandleFunc("/api/executions/{run_id}", s.withUser(s.handleExecution)).Methods(http.MethodGet)
}

type userHandler func(w http.ResponseWriter, r *http.Request, user string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, chaterr.New(chaterr.Unauthorized, "authentication required"))
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": chaterr.UserMessage(err)})
}

func statusFor(err error) int {
	switch chaterr.KindOf(err) {
	case chaterr.Unauthorized:
		return http.StatusUnauthorized
	case chaterr.Forbidden:
		return http.StatusForbidden
	case chaterr.NotFound:
		return http.StatusNotFound
	case chaterr.Invalid, chaterr.BadEnvelope, chaterr.Policy:
		return http.StatusBadRequest
	case chaterr.RateLimited:
		return http.StatusTooManyRequests
	case chaterr.Conflict:
		return http.StatusConflict
	case chaterr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
