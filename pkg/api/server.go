// Package api exposes the policy controller over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"netauth/pkg/audit"
	"netauth/pkg/model"
	"netauth/pkg/policy"
	"netauth/pkg/store"
)

var (
	readers  = []string{model.RoleAdministrator, model.RoleOperator, model.RoleViewer}
	writers  = []string{model.RoleAdministrator, model.RoleOperator}
	auditors = []string{model.RoleAdministrator, model.RoleAuditor}
)

type Server struct {
	svc   *policy.Service
	store store.PolicyStore
	hub   *EventHub
	audit *audit.Recorder
	log   zerolog.Logger
}

func NewServer(svc *policy.Service, st store.PolicyStore, hub *EventHub, rec *audit.Recorder, logger zerolog.Logger) *Server {
	return &Server{
		svc:   svc,
		store: st,
		hub:   hub,
		audit: rec,
		log:   logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns a mux with every controller route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := s.store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	(&AuthHandler{Store: s.store, Audit: s.audit, Log: s.log}).RegisterRoutes(mux)

	mux.HandleFunc("/api/v1/identities", byMethod(s.getIdentities, s.createIdentity))
	mux.HandleFunc("/api/v1/identities/active", RequireRole(s.handleSetActive, writers...))
	mux.HandleFunc("/api/v1/identities/allocate", RequireRole(s.handleAllocate, writers...))
	mux.HandleFunc("/api/v1/routes", byMethod(s.listRoutes, s.addRoute))
	mux.HandleFunc("/api/v1/routes/delete", RequireRole(s.handleRemoveRoute, writers...))
	mux.HandleFunc("/api/v1/routes/validate", RequireRole(s.handleValidateRoute, readers...))
	mux.HandleFunc("/api/v1/rules", byMethod(s.listRules, s.addRule))
	mux.HandleFunc("/api/v1/rules/toggle", RequireRole(s.handleToggleRule, writers...))
	mux.HandleFunc("/api/v1/rules/delete", RequireRole(s.handleDeleteRule, writers...))
	mux.HandleFunc("/api/v1/rules/validate", RequireRole(s.handleValidateRule, readers...))
	mux.HandleFunc("/api/v1/apply", byMethod(s.applied, s.apply))
	mux.HandleFunc("/api/v1/apply/all", RequireRole(s.handleApplyAll, writers...))
	mux.HandleFunc("/api/v1/teardown", RequireRole(s.handleTeardown, writers...))
	mux.HandleFunc("/api/v1/status", RequireRole(s.handleStatus))
	mux.HandleFunc("/api/v1/audit", RequireRole(s.handleAudit, auditors...))
	if s.hub != nil {
		mux.HandleFunc("/api/v1/events", RequireRole(s.hub.HandleEvents))
	}
}

// byMethod routes GET to readers and POST to writers.
func byMethod(get, post http.HandlerFunc) http.HandlerFunc {
	get, post = RequireRole(get, readers...), RequireRole(post, writers...)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get(w, r)
		case http.MethodPost:
			post(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) getIdentities(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("id") {
		id, err := queryID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		identity, err := s.svc.GetIdentity(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
		return
	}
	identities, err := s.svc.ListIdentities()
	if err != nil {
		http.Error(w, "failed to list identities", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

func (s *Server) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, err := s.svc.CreateIdentity(r.Context(), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req setActiveRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, err := s.svc.SetIdentityActive(r.Context(), req.IdentityID, *req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req identityRef
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, err := s.svc.AllocateIP(r.Context(), req.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "identityId")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	routes, err := s.svc.ListRoutes(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) addRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	route, err := s.svc.AddRoute(r.Context(), req.IdentityID, req.Route, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req removeRouteRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.RemoveRoute(r.Context(), req.IdentityID, req.RouteID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidateRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req validateRouteRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, reason := s.svc.ValidateRoute(req.Route)
	writeJSON(w, http.StatusOK, validationResponse{Valid: ok, Reason: reason})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "identityId")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rules, err := s.svc.ListRules(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule, err := s.svc.AddRule(r.Context(), req.IdentityID, req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule, err := s.svc.ToggleRule(r.Context(), req.RuleID, req.Confirmation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.DeleteRule(r.Context(), req.RuleID, req.Confirmation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, reason := s.svc.ValidateRule(r.Context(), req.IdentityID, req.input())
	writeJSON(w, http.StatusOK, validationResponse{Valid: ok, Reason: reason})
}

func (s *Server) applied(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "identityId")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.svc.GetIdentity(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": s.svc.IsApplied(r.Context(), id)})
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	var req identityRef
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.svc.ApplyIdentity(r.Context(), req.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishResult(res)
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, applyResponse{OK: res.OK(), Message: res.Message, Result: res})
}

func (s *Server) handleApplyAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sum, err := s.svc.ApplyAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(Event{Type: EventApplyAll, Payload: sum})
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req identityRef
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.svc.Teardown(r.Context(), req.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishResult(res)
	writeJSON(w, http.StatusOK, applyResponse{OK: res.OK(), Message: res.Message, Result: res})
}

func (s *Server) publishResult(res *policy.Result) {
	if s.hub != nil {
		s.hub.Publish(Event{Type: EventApply, Payload: res})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.svc.Status(r.Context())
	if err != nil {
		http.Error(w, "failed to build status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	entries, err := s.store.ListAudit(limit)
	if err != nil {
		http.Error(w, "failed to list audit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *model.ValidationError
		cerr *model.ConfigurationError
		xerr *model.ExternalCommandError
	)
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Reason, http.StatusBadRequest)
	case errors.As(err, &cerr):
		http.Error(w, cerr.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &xerr):
		http.Error(w, xerr.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
