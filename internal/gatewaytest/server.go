// Package gatewaytest is an in-process StudyGate gateway stub. Tests and the
// demo binary run the real client against it: it issues HS256 token pairs,
// rotates refresh tokens, and serves a small authenticated study-plan API.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"studygate/internal/session"
)

type user struct {
	id           string
	email        string
	passwordHash []byte
	role         session.Role
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// Plan is the study-plan resource the stub serves.
type Plan struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner"`
}

// Server holds the stub's state. All mutators are safe for concurrent use.
type Server struct {
	signingKey []byte
	router     chi.Router

	mu           sync.Mutex
	accessTTL    time.Duration
	refreshTTL   time.Duration
	users        map[string]*user
	refreshToks  map[string]*refreshRecord
	plans        []Plan
	refreshCalls int
	failRefresh  int
}

type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens. Negative values
// mint already-expired tokens, which tests use to force the refresh path.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Server) { s.accessTTL = ttl }
}

func WithSigningKey(key []byte) Option {
	return func(s *Server) { s.signingKey = key }
}

// New builds a stub gateway with no users. Seed with AddUser.
func New(opts ...Option) *Server {
	s := &Server{
		signingKey:  []byte("gatewaytest-signing-key"),
		accessTTL:   time.Hour,
		refreshTTL:  30 * 24 * time.Hour,
		users:       make(map[string]*user),
		refreshToks: make(map[string]*refreshRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)
		pr.Post("/auth/logout", s.handleLogout)
		pr.Get("/study/plans", s.handleListPlans)
		pr.Post("/study/plans", s.handleCreatePlan)
	})
	s.router = r
	return s
}

// Handler exposes the stub as an http.Handler for httptest or a real server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddUser seeds a credentialed user and returns its ID.
func (s *Server) AddUser(email, password string, role session.Role) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{
		id:           uuid.NewString(),
		email:        email,
		passwordHash: hash,
		role:         role,
	}
	s.users[email] = u
	return u.id
}

// SetAccessTTL changes the lifetime for tokens issued from now on.
func (s *Server) SetAccessTTL(ttl time.Duration) {
	s.mu.Lock()
	s.accessTTL = ttl
	s.mu.Unlock()
}

// RejectRefreshes makes the next n refresh calls fail with invalid_grant,
// simulating a revoked refresh token.
func (s *Server) RejectRefreshes(n int) {
	s.mu.Lock()
	s.failRefresh = n
	s.mu.Unlock()
}

// RefreshCalls reports how many refresh requests reached the stub.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed login payload")
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
		return
	}

	s.writeTokenPair(w, u)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	reject := s.failRefresh > 0
	if reject {
		s.failRefresh--
	}
	s.mu.Unlock()

	if reject {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "refresh token revoked")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed refresh payload")
		return
	}

	s.mu.Lock()
	rec, ok := s.refreshToks[req.RefreshToken]
	var u *user
	if ok && !rec.used && time.Now().Before(rec.expiresAt) {
		rec.used = true
		u = s.userByID(rec.userID)
	}
	s.mu.Unlock()

	if u == nil {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "refresh token is invalid or spent")
		return
	}
	s.writeTokenPair(w, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	s.mu.Lock()
	for tok, rec := range s.refreshToks {
		if rec.userID == userID {
			delete(s.refreshToks, tok)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	plans := append([]Plan{}, s.plans...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	plan := Plan{
		ID:    uuid.NewString(),
		Title: req.Title,
		Owner: r.Header.Get(headerUserID),
	}
	s.mu.Lock()
	s.plans = append(s.plans, plan)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, plan)
}

// headerUserID carries the authenticated user between middleware and
// handlers. Internal to the stub; never part of the wire contract.
const headerUserID = "X-Gatewaytest-User"

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "access token expired or invalid")
			return
		}

		sub, _ := claims.GetSubject()
		r.Header.Set(headerUserID, sub)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeTokenPair(w http.ResponseWriter, u *user) {
	s.mu.Lock()
	ttl := s.accessTTL
	now := time.Now()
	refreshTok := "rt_" + uuid.NewString()
	s.refreshToks[refreshTok] = &refreshRecord{
		userID:    u.id,
		expiresAt: now.Add(s.refreshTTL),
	}
	s.mu.Unlock()

	claims := jwt.MapClaims{
		"sub":  u.id,
		"role": string(u.role),
		"jti":  uuid.NewString(),
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(ttl)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to sign token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refreshTok,
		"expires_in":    int64(ttl / time.Second),
		"user_id":       u.id,
		"role":          string(u.role),
	})
}

// userByID looks up a seeded user. Caller holds s.mu.
func (s *Server) userByID(id string) *user {
	for _, u := range s.users {
		if u.id == id {
			return u
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
