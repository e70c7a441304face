package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/asagents/service-gateway/internal/auth"
	"github.com/asagents/service-gateway/internal/backend"
	"github.com/asagents/service-gateway/internal/cache"
	"github.com/asagents/service-gateway/internal/config"
	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
	"github.com/asagents/service-gateway/internal/middleware"
	"github.com/asagents/service-gateway/internal/realtime"
	syncengine "github.com/asagents/service-gateway/internal/sync"
)

// newHandler builds the gateway's route table with the standard middleware
// chain applied. The returned stop func halts the rate limiter's cleanup
// goroutine.
func newHandler(
	cfg *config.Config,
	logger *logging.Logger,
	meter *metrics.Metrics,
	router *backend.Router,
	authService *auth.Service,
	projects *syncengine.Engine,
	hub *realtime.Client,
	store cache.Cache,
) (http.Handler, func()) {
	r := mux.NewRouter()

	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics("gateway", meter))
	r.Use(middleware.NewCORS(cfg.Server.AllowedOrigins).Handler)

	limiter := middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst, logger)
	stopCleanup := limiter.StartCleanup(10 * time.Minute)
	r.Use(limiter.Handler)

	api := r.PathPrefix("/api").Subrouter()

	// =========================================================================
	// Auth
	// =========================================================================
	api.HandleFunc("/auth/login", loginHandler(authService)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/auth/logout", logoutHandler(authService)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/auth/me", meHandler(authService)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/auth/refresh", refreshHandler(authService)).Methods(http.MethodPost, http.MethodOptions)

	// =========================================================================
	// Dual-backend routing
	// =========================================================================
	api.HandleFunc("/projects", projectsHandler(router)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/dashboard", dashboardHandler(router, authService, store, cfg.Sync.CacheTTL())).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/multimodal", multimodalHandler(router)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/ai/{endpoint}", aiHandler(router)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/enterprise/{endpoint}", enterpriseHandler(router)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/health", systemHealthHandler(router)).Methods(http.MethodGet, http.MethodOptions)

	// =========================================================================
	// Synchronized collections
	// =========================================================================
	syncAPI := api.PathPrefix("/sync").Subrouter()
	syncAPI.HandleFunc("/projects", syncSnapshotHandler(projects)).Methods(http.MethodGet, http.MethodOptions)
	syncAPI.HandleFunc("/projects", syncCreateHandler(projects)).Methods(http.MethodPost)
	syncAPI.HandleFunc("/projects/refresh", syncRefreshHandler(projects)).Methods(http.MethodPost, http.MethodOptions)
	syncAPI.HandleFunc("/projects/{id}", syncUpdateHandler(projects)).Methods(http.MethodPatch, http.MethodOptions)
	syncAPI.HandleFunc("/projects/{id}", syncDeleteHandler(projects)).Methods(http.MethodDelete)
	syncAPI.HandleFunc("/conflicts/{id}/resolve", resolveConflictHandler(projects)).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/realtime/status", realtimeStatusHandler(hub)).Methods(http.MethodGet, http.MethodOptions)

	r.Handle("/metrics", meter.Handler()).Methods(http.MethodGet)

	return r, stopCleanup
}

// =============================================================================
// Auth handlers
// =============================================================================

func loginHandler(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds backend.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if creds.Email == "" || creds.Password == "" {
			jsonError(w, "email and password are required", http.StatusBadRequest)
			return
		}

		ok, err := svc.Login(r.Context(), creds)
		if !ok {
			msg := "authentication failed"
			if err != nil {
				msg = err.Error()
			}
			jsonError(w, msg, http.StatusUnauthorized)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    svc.Snapshot(),
		})
	}
}

func logoutHandler(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.Logout(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func meHandler(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := svc.Snapshot()
		if !state.IsAuthenticated {
			jsonError(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    state,
		})
	}
}

func refreshHandler(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.RefreshAuth(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    svc.Snapshot(),
		})
	}
}

// =============================================================================
// Dual-backend routing handlers
// =============================================================================

func projectsHandler(router *backend.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, router.GetProjects(r.Context()))
	}
}

func dashboardHandler(router *backend.Router, svc *auth.Service, store cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			if user := svc.Snapshot().User; user != nil {
				if id, ok := user["id"].(string); ok {
					userID = id
				}
			}
		}

		cacheKey := "dashboard:" + userID
		if raw, ok := store.Get(r.Context(), cacheKey); ok {
			var env backend.Envelope
			if err := json.Unmarshal(raw, &env); err == nil {
				writeEnvelope(w, env)
				return
			}
		}

		env := router.GetUnifiedDashboard(r.Context(), userID)
		// Cache only full combined responses, never degraded fallbacks.
		if env.Success && !env.Fallback {
			if raw, err := json.Marshal(env); err == nil {
				store.Set(r.Context(), cacheKey, raw, ttl)
			}
		}
		writeEnvelope(w, env)
	}
}

func multimodalHandler(router *backend.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backend.MultimodalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		writeEnvelope(w, router.ProcessMultimodal(r.Context(), req))
	}
}

func aiHandler(router *backend.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		endpoint := mux.Vars(r)["endpoint"]
		writeEnvelope(w, router.ProcessAIRequest(r.Context(), endpoint, payload))
	}
}

func enterpriseHandler(router *backend.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		endpoint := mux.Vars(r)["endpoint"]
		writeEnvelope(w, router.ProcessEnterpriseRequest(r.Context(), endpoint, payload))
	}
}

func systemHealthHandler(router *backend.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, router.SystemHealth(r.Context()))
	}
}

// =============================================================================
// Sync handlers
// =============================================================================

func syncSnapshotHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    engine.Snapshot(),
		})
	}
}

func syncCreateHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var item backend.Record
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		created, err := engine.Create(r.Context(), item)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"data":    created,
		})
	}
}

func syncUpdateHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch backend.Record
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := engine.Update(r.Context(), mux.Vars(r)["id"], patch); err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func syncDeleteHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func syncRefreshHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.ForceSync(r.Context()); err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    engine.Snapshot(),
		})
	}
}

func resolveConflictHandler(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Resolution string         `json:"resolution"`
			MergedData backend.Record `json:"mergedData,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := engine.ResolveConflict(r.Context(), mux.Vars(r)["id"], req.Resolution, req.MergedData); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func realtimeStatusHandler(hub *realtime.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := hub != nil && hub.IsConnected()
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"connected": connected,
		})
	}
}

// =============================================================================
// Response helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeEnvelope maps router envelopes onto HTTP statuses: the router never
// fails, so a failed envelope is always an upstream problem.
func writeEnvelope(w http.ResponseWriter, env backend.Envelope) {
	status := http.StatusOK
	if !env.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, env)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
