package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"netauth/pkg/audit"
	"netauth/pkg/auth"
	"netauth/pkg/model"
	"netauth/pkg/store"
)

const tokenTTL = 24 * time.Hour

type AuthHandler struct {
	Store store.PolicyStore
	Audit *audit.Recorder
	Log   zerolog.Logger
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/users", RequireRole(a.handleCreateUser, model.RoleAdministrator))
}

// handleRegister only allows the first user to be created (administrator).
func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentials
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := a.Store.CountUsers()
	if err != nil {
		http.Error(w, "failed to count users", http.StatusInternalServerError)
		return
	}
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	user, err := a.createUser(req, model.RoleAdministrator)
	if err != nil {
		writeError(w, err)
		return
	}
	a.issue(w, user)
}

func (a *AuthHandler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := a.createUser(req.credentials, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	a.Audit.Record(r.Context(), "create_user", "user", user.ID, "created "+user.Username+" as "+user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (a *AuthHandler) createUser(req credentials, role string) (model.User, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return model.User{}, err
	}
	return a.Store.CreateUser(model.User{Username: req.Username, PasswordHash: hash, Role: role, Active: true})
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentials
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := a.Store.GetUserByUsername(req.Username)
	if err != nil || !user.Active || !auth.CheckPassword(user.PasswordHash, req.Password) {
		a.Log.Warn().Str("username", req.Username).Str("client", clientIP(r)).Msg("login failed")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	now := time.Now()
	user.LastLogin = &now
	if _, err := a.Store.UpdateUser(user); err != nil {
		a.Log.Warn().Err(err).Str("username", user.Username).Msg("record last login")
	}
	a.issue(w, user)
}

func (a *AuthHandler) issue(w http.ResponseWriter, user model.User) {
	token, err := auth.Generate(user.ID, user.Username, user.Role, tokenTTL)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": user.Role})
}

// RequireRole authenticates the bearer token and admits only the given
// roles (any authenticated user when roles is empty). The operator is
// attached to the request context for auditing.
func RequireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if len(roles) > 0 && !(model.User{Role: claims.Role}).HasRole(roles...) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := auth.WithClaims(r.Context(), claims)
		ctx = audit.WithActor(ctx, claims.Username, clientIP(r))
		next(w, r.WithContext(ctx))
	}
}

func authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return auth.Parse(token)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
