package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asagents/service-gateway/internal/logging"
)

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// newTestRouter wires a router against two httptest servers using the
// default health paths.
func newTestRouter(t *testing.T, nodeHandler, javaHandler http.Handler) (*Router, *TokenHolder) {
	t.Helper()

	nodeSrv := httptest.NewServer(nodeHandler)
	t.Cleanup(nodeSrv.Close)
	javaSrv := httptest.NewServer(javaHandler)
	t.Cleanup(javaSrv.Close)

	tokens := NewTokenHolder()
	node := NewClient(SourceNode, nodeSrv.URL, tokens, nil)
	java := NewClient(SourceJava, javaSrv.URL, tokens, nil)
	logger := logging.Nop()
	monitor := NewHealthMonitor(node, java, HealthMonitorConfig{}, logger, nil)

	return NewRouter(node, java, monitor, tokens, logger, nil), tokens
}

func healthyMux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	m.HandleFunc("/enhanced/health", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return m
}

func brokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
}

// =============================================================================
// Login
// =============================================================================

func TestEnhancedLoginCombined(t *testing.T) {
	java := healthyMux()
	java.HandleFunc("/enhanced/auth/enhanced-login", func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "a@b.com", creds.Email)

		writeBody(w, http.StatusOK, map[string]any{
			"nodeJsAuth": map[string]any{
				"token": "jwt-combined",
				"user":  map[string]any{"id": "u1", "email": creds.Email},
			},
			"enterpriseFeatures": true,
			"multiBackendAuth":   true,
			"aiEnhanced":         true,
			"roles":              []string{"admin"},
			"permissions":        map[string]bool{"projects:write": true},
		})
	})

	router, tokens := newTestRouter(t, healthyMux(), java)

	result := router.EnhancedLogin(context.Background(), Credentials{Email: "a@b.com", Password: "pw"})

	assert.True(t, result.Success)
	assert.Equal(t, KindCombined, result.Kind)
	assert.Equal(t, SourceCombined, result.Backend)
	assert.False(t, result.Fallback)
	assert.Equal(t, "jwt-combined", result.Token)
	assert.True(t, result.EnterpriseFeatures)
	assert.True(t, result.MultiBackend)
	assert.Equal(t, []string{"admin"}, result.Roles)
	assert.Equal(t, "jwt-combined", tokens.Get())
}

func TestEnhancedLoginFallsBackToNode(t *testing.T) {
	node := healthyMux()
	node.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"token": "jwt-node",
			"user":  map[string]any{"id": "u1"},
		})
	})

	router, tokens := newTestRouter(t, node, brokenHandler())

	result := router.EnhancedLogin(context.Background(), Credentials{Email: "a@b.com", Password: "pw"})

	assert.True(t, result.Success)
	assert.Equal(t, KindPrimaryOnly, result.Kind)
	assert.Equal(t, SourceNode, result.Backend)
	assert.True(t, result.Fallback)
	assert.Equal(t, "jwt-node", result.Token)
	assert.Equal(t, "jwt-node", tokens.Get())
}

func TestEnhancedLoginEmbeddedAuthFailureFallsBack(t *testing.T) {
	java := healthyMux()
	java.HandleFunc("/enhanced/auth/enhanced-login", func(w http.ResponseWriter, r *http.Request) {
		// Enhanced endpoint reachable, but the embedded primary auth failed.
		writeBody(w, http.StatusOK, map[string]any{
			"nodeJsAuth":         map[string]any{"error": "invalid credentials"},
			"enterpriseFeatures": true,
		})
	})
	node := healthyMux()
	node.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"token": "jwt-node", "user": map[string]any{"id": "u1"}})
	})

	router, _ := newTestRouter(t, node, java)

	result := router.EnhancedLogin(context.Background(), Credentials{Email: "a@b.com", Password: "pw"})

	assert.True(t, result.Success)
	assert.Equal(t, KindPrimaryOnly, result.Kind)
	assert.True(t, result.Fallback)
}

func TestEnhancedLoginBothBackendsFail(t *testing.T) {
	router, tokens := newTestRouter(t, brokenHandler(), brokenHandler())

	result := router.EnhancedLogin(context.Background(), Credentials{Email: "a@b.com", Password: "pw"})

	assert.False(t, result.Success)
	assert.True(t, result.Fallback)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, tokens.Get())
}

// =============================================================================
// Projects
// =============================================================================

func TestGetProjectsMergesBothBackends(t *testing.T) {
	node := healthyMux()
	node.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"success": true,
			"data": []map[string]any{
				{"id": "a", "name": "Alpha", "budget": 100},
				{"id": "b", "name": "Beta"},
			},
		})
	})
	java := healthyMux()
	java.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"success": true,
			"data": []map[string]any{
				{"id": "b", "name": "Beta Enterprise", "compliance": "ok"},
				{"id": "c", "name": "Gamma"},
			},
		})
	})

	router, _ := newTestRouter(t, node, java)

	env := router.GetProjects(context.Background())
	require.True(t, env.Success)
	assert.Equal(t, SourceCombined, env.Backend)

	items, ok := env.Data.([]Record)
	require.True(t, ok)
	require.Len(t, items, 3)

	// Node order preserved, java-only appended.
	assert.Equal(t, "a", items[0]["id"])
	assert.Equal(t, "b", items[1]["id"])
	assert.Equal(t, "c", items[2]["id"])

	// Node-only item keeps node tags.
	assert.Equal(t, true, items[0]["aiEnhanced"])
	assert.Equal(t, string(SourceNode), items[0]["source"])

	// Matching item: enterprise fields win, combined tags applied.
	assert.Equal(t, "Beta Enterprise", items[1]["name"])
	assert.Equal(t, "ok", items[1]["compliance"])
	assert.Equal(t, true, items[1]["enterpriseFeatures"])
	assert.Equal(t, string(SourceCombined), items[1]["source"])

	// Java-only item.
	assert.Equal(t, true, items[2]["enterpriseFeatures"])
	assert.Equal(t, string(SourceJava), items[2]["source"])
}

func TestGetProjectsSkipsUnhealthyBackend(t *testing.T) {
	javaProjectCalls := 0

	node := healthyMux()
	node.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    []map[string]any{{"id": "a", "name": "Alpha"}},
		})
	})

	java := http.NewServeMux()
	java.HandleFunc("/enhanced/health", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	java.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		javaProjectCalls++
		writeBody(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]any{{"id": "z"}}})
	})

	router, _ := newTestRouter(t, node, java)

	env := router.GetProjects(context.Background())
	require.True(t, env.Success)
	assert.Equal(t, SourceNode, env.Backend)
	assert.Zero(t, javaProjectCalls, "unhealthy backend must not be queried")

	items := env.Data.([]Record)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0]["id"])
}

func TestGetProjectsNoBackendAvailable(t *testing.T) {
	router, _ := newTestRouter(t, brokenHandler(), brokenHandler())

	env := router.GetProjects(context.Background())
	assert.False(t, env.Success)
	assert.Equal(t, SourceNone, env.Backend)
	assert.NotEmpty(t, env.Error)
}

func TestMergeRecordsIdempotentAndNonMutating(t *testing.T) {
	nodeItems := []Record{{"id": "a", "name": "Alpha"}}
	javaItems := []Record{{"id": "a", "name": "Alpha+"}, {"id": "b"}}

	first := MergeRecords(nodeItems, javaItems)
	second := MergeRecords(nodeItems, javaItems)

	assert.True(t, reflect.DeepEqual(first, second))

	// Inputs untouched.
	assert.Equal(t, Record{"id": "a", "name": "Alpha"}, nodeItems[0])
	assert.NotContains(t, javaItems[0], "source")
}

// =============================================================================
// Dashboard and processing
// =============================================================================

func TestGetUnifiedDashboardFallback(t *testing.T) {
	node := healthyMux()
	node.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("userId"))
		writeBody(w, http.StatusOK, map[string]any{"projects": 3})
	})

	java := http.NewServeMux()
	java.HandleFunc("/enhanced/health", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	router, _ := newTestRouter(t, node, java)

	env := router.GetUnifiedDashboard(context.Background(), "u1")
	require.True(t, env.Success)
	assert.True(t, env.Fallback)
	assert.Equal(t, SourceCombined, env.Backend)

	sections := env.Data.(map[string]any)
	assert.Contains(t, sections, "nodeJsData")
	assert.NotContains(t, sections, "javaData")
}

func TestProcessMultimodalFallsBackToNode(t *testing.T) {
	node := healthyMux()
	node.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		var req MultimodalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "full", req.AnalysisType)
		writeBody(w, http.StatusOK, map[string]any{"result": "analyzed"})
	})

	router, _ := newTestRouter(t, node, brokenHandler())

	env := router.ProcessMultimodal(context.Background(), MultimodalRequest{ProjectID: "p1"})
	require.True(t, env.Success)
	assert.True(t, env.Fallback)
	assert.Equal(t, SourceNode, env.Backend)

	data := env.Data.(map[string]any)
	assert.Equal(t, false, data["combinedCapabilities"])
	assert.Contains(t, data, "aiProcessing")
}

func TestProcessAIRequestNoFallback(t *testing.T) {
	router, _ := newTestRouter(t, brokenHandler(), healthyMux())

	env := router.ProcessAIRequest(context.Background(), "analyze", map[string]any{"q": "x"})
	assert.False(t, env.Success)
	assert.Equal(t, SourceNode, env.Backend)
	assert.False(t, env.Fallback)
}

// =============================================================================
// System health
// =============================================================================

func TestSystemHealthFromEnhancedEndpoint(t *testing.T) {
	java := http.NewServeMux()
	java.HandleFunc("/enhanced/health", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"nodejsBackend": map[string]any{"status": "healthy"},
			"javaBackend":   map[string]any{"status": "unhealthy"},
		})
	})

	router, _ := newTestRouter(t, healthyMux(), java)

	env := router.SystemHealth(context.Background())
	require.True(t, env.Success)
	assert.Equal(t, SourceCombined, env.Backend)
	assert.False(t, env.Fallback)

	// The aggregated report overrides the monitor state.
	snap := router.Health().Snapshot()
	assert.True(t, snap.Node)
	assert.False(t, snap.Java)
}

func TestSystemHealthFallsBackToProbes(t *testing.T) {
	router, _ := newTestRouter(t, healthyMux(), brokenHandler())

	env := router.SystemHealth(context.Background())
	require.True(t, env.Success)
	assert.True(t, env.Fallback)
	assert.Equal(t, SourceNone, env.Backend)

	data := env.Data.(map[string]any)
	node := data["nodejsBackend"].(map[string]any)
	java := data["javaBackend"].(map[string]any)
	assert.Equal(t, "healthy", node["status"])
	assert.Equal(t, "unhealthy", java["status"])
}

func TestSystemHealthAllDown(t *testing.T) {
	router, _ := newTestRouter(t, brokenHandler(), brokenHandler())

	env := router.SystemHealth(context.Background())
	assert.False(t, env.Success)
	assert.True(t, env.Fallback)
	assert.NotEmpty(t, env.Error)
}
