// Package auth reconciles authentication across both backends: it owns the
// unified auth state, derives backend capabilities, persists sessions, and
// notifies subscribers on every mutation.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asagents/service-gateway/internal/backend"
	"github.com/asagents/service-gateway/internal/logging"
)

// Capabilities gate feature availability in consumers of the gateway.
type Capabilities struct {
	AIFeatures         bool `json:"aiFeatures"`
	EnterpriseFeatures bool `json:"enterpriseFeatures"`
	MultiBackend       bool `json:"multiBackend"`
}

// State is the unified auth state. The zero value is the documented
// logged-out state.
type State struct {
	User            map[string]any  `json:"user,omitempty"`
	Token           string          `json:"token,omitempty"`
	IsAuthenticated bool            `json:"isAuthenticated"`
	IsLoading       bool            `json:"isLoading"`
	Error           string          `json:"error,omitempty"`
	Capabilities    Capabilities    `json:"backendCapabilities"`
	Permissions     map[string]bool `json:"permissions,omitempty"`
	Roles           []string        `json:"roles,omitempty"`
}

// Listener receives a state snapshot after every mutation.
type Listener func(State)

// Service is the auth reconciler. Exactly one instance exists per gateway
// process, constructed in main and injected into consumers.
type Service struct {
	mu sync.Mutex

	state     State
	listeners map[int]Listener
	nextID    int

	router *backend.Router
	health *backend.HealthMonitor
	tokens *backend.TokenHolder
	store  Store
	logger *logging.Logger
}

// NewService creates the auth reconciler.
func NewService(router *backend.Router, tokens *backend.TokenHolder, store Store, logger *logging.Logger) *Service {
	return &Service{
		listeners: make(map[int]Listener),
		router:    router,
		health:    router.Health(),
		tokens:    tokens,
		store:     store,
		logger:    logger.With("auth"),
	}
}

// Restore loads a persisted session at startup. A session whose token
// carries an already-expired exp claim is discarded and the storage keys
// are cleared; any other load failure leaves the service logged out.
func (s *Service) Restore(ctx context.Context) error {
	sess, err := s.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}

	if tokenExpired(sess.Token) {
		s.logger.Info().Msg("discarding expired persisted session")
		if err := s.store.Clear(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear expired session")
		}
		return nil
	}

	s.tokens.Set(sess.Token)

	s.mutate(func(state *State) {
		state.User = sess.User
		state.Token = sess.Token
		state.IsAuthenticated = true
		state.Capabilities = sess.Capabilities
		state.Permissions = sess.Permissions
		state.Roles = sess.Roles
	})

	s.logger.Info().Msg("session restored")
	return nil
}

// Login authenticates against both backends through the router, derives
// capabilities from which backends actually produced auth data, persists
// the session, and notifies subscribers. It returns whether login
// succeeded; the error carries detail for callers that want it.
func (s *Service) Login(ctx context.Context, creds backend.Credentials) (bool, error) {
	s.mutate(func(state *State) {
		state.IsLoading = true
		state.Error = ""
	})

	result := s.router.EnhancedLogin(ctx, creds)

	if !result.Success || result.Token == "" {
		msg := result.Error
		if msg == "" {
			msg = "authentication failed"
		}
		s.mutate(func(state *State) {
			state.IsLoading = false
			state.Error = msg
		})
		return false, errors.New(msg)
	}

	caps := deriveLoginCapabilities(result)

	sess := &Session{
		Token:        result.Token,
		User:         result.User,
		Capabilities: caps,
		Permissions:  orEmptyPermissions(result.Permissions),
		Roles:        orEmptyRoles(result.Roles),
	}
	if err := s.store.Save(ctx, sess); err != nil {
		// A broken persistence layer must not block an otherwise valid
		// login; the session just won't survive a restart.
		s.logger.Warn().Err(err).Msg("failed to persist session")
	}

	s.tokens.Set(result.Token)

	s.mutate(func(state *State) {
		state.User = result.User
		state.Token = result.Token
		state.IsAuthenticated = true
		state.IsLoading = false
		state.Error = ""
		state.Capabilities = caps
		state.Permissions = sess.Permissions
		state.Roles = sess.Roles
	})

	s.logger.Info().
		Bool("multi_backend", caps.MultiBackend).
		Bool("enterprise", caps.EnterpriseFeatures).
		Bool("fallback", result.Fallback).
		Msg("login succeeded")

	return true, nil
}

// Logout clears the persisted session and resets state. It always
// succeeds and notifies subscribers.
func (s *Service) Logout(ctx context.Context) {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear persisted session")
	}
	s.tokens.Clear()

	s.mutate(func(state *State) {
		*state = State{}
	})

	s.logger.Info().Msg("logged out")
}

// RefreshAuth re-probes backend health and recomputes capabilities from
// the result. It never invalidates the session: a transient health-check
// failure must not log the user out.
func (s *Service) RefreshAuth(ctx context.Context) {
	s.mu.Lock()
	token := s.state.Token
	s.mu.Unlock()
	if token == "" {
		return
	}

	health := s.health.Check(ctx)
	caps := Capabilities{
		AIFeatures:         health.Node,
		EnterpriseFeatures: health.Java,
		MultiBackend:       health.Node && health.Java,
	}

	s.mutate(func(state *State) {
		state.Capabilities = caps
	})

	s.logger.Debug().
		Bool("ai", caps.AIFeatures).
		Bool("enterprise", caps.EnterpriseFeatures).
		Bool("multi_backend", caps.MultiBackend).
		Msg("capabilities refreshed")
}

// HasPermission reports whether the current user holds a permission. Pure
// in-memory lookup.
func (s *Service) HasPermission(permission string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Permissions[permission]
}

// HasRole reports whether the current user holds a role.
func (s *Service) HasRole(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.state.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Subscribe registers a listener invoked synchronously on every state
// mutation. The returned function unsubscribes it.
func (s *Service) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// mutate applies fn to the state under the lock and then notifies every
// listener with a snapshot. Listeners run outside the lock so they may
// call back into the service.
func (s *Service) mutate(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := copyState(s.state)
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// deriveLoginCapabilities maps the login result kind onto capabilities:
// the primary auth payload is present and error-free on every successful
// login, enterprise data exists on the combined path, and multi-backend
// requires both.
func deriveLoginCapabilities(result backend.AuthResult) Capabilities {
	switch result.Kind {
	case backend.KindCombined:
		return Capabilities{
			AIFeatures:         true,
			EnterpriseFeatures: true,
			MultiBackend:       true,
		}
	case backend.KindSecondaryOnly:
		return Capabilities{EnterpriseFeatures: true}
	default:
		return Capabilities{AIFeatures: true}
	}
}

func copyState(state State) State {
	out := state
	if state.User != nil {
		out.User = make(map[string]any, len(state.User))
		for k, v := range state.User {
			out.User[k] = v
		}
	}
	if state.Permissions != nil {
		out.Permissions = make(map[string]bool, len(state.Permissions))
		for k, v := range state.Permissions {
			out.Permissions[k] = v
		}
	}
	if state.Roles != nil {
		out.Roles = append([]string(nil), state.Roles...)
	}
	return out
}

func orEmptyPermissions(perms map[string]bool) map[string]bool {
	if perms == nil {
		return map[string]bool{}
	}
	return perms
}

func orEmptyRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

// tokenExpired parses the token without verifying its signature (the
// backends own the signing keys) and reports whether its exp claim is in
// the past. Opaque tokens are treated as live and left to the backends to
// reject.
func tokenExpired(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(time.Now())
}
