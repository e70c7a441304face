package backend

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
)

// Envelope is the uniform response shape returned by every router
// operation. Router methods never return a Go error for backend-level
// failures: transport errors, non-2xx statuses, and embedded failures are
// all converted into Success=false envelopes so the API layer can render
// degraded data without crashing.
type Envelope struct {
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Backend  Source `json:"backend,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// ResultKind classifies which backends contributed to an auth result.
type ResultKind string

const (
	// KindCombined means the enhanced endpoint answered with an embedded,
	// error-free primary auth payload.
	KindCombined ResultKind = "combined"
	// KindPrimaryOnly means only the primary (Node.js) backend answered.
	KindPrimaryOnly ResultKind = "primaryOnly"
	// KindSecondaryOnly means only the enterprise backend answered.
	KindSecondaryOnly ResultKind = "secondaryOnly"
)

// Credentials are the login inputs proxied to the backends.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is the typed outcome of an enhanced login. Kind replaces the
// original response-shape sniffing: callers branch on the tag, not on
// field presence.
type AuthResult struct {
	Success            bool            `json:"success"`
	Kind               ResultKind      `json:"kind,omitempty"`
	Backend            Source          `json:"backend,omitempty"`
	Fallback           bool            `json:"fallback,omitempty"`
	Token              string          `json:"token,omitempty"`
	User               map[string]any  `json:"user,omitempty"`
	Roles              []string        `json:"roles,omitempty"`
	Permissions        map[string]bool `json:"permissions,omitempty"`
	EnterpriseFeatures bool            `json:"enterpriseFeatures,omitempty"`
	MultiBackend       bool            `json:"multiBackendAuth,omitempty"`
	AIEnhanced         bool            `json:"aiEnhanced,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// MultimodalRequest describes a processing job routed to the enhanced
// pipeline, with Node-only analysis as the fallback.
type MultimodalRequest struct {
	ProjectID    string `json:"projectId"`
	AnalysisType string `json:"analysisType,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	Content      []byte `json:"content,omitempty"`
}

// Record is a generic collection entity as returned by the backends.
type Record = map[string]any

// Wire shapes for the backend responses. Decoding into structs keeps the
// success/failure classification explicit.
type listPayload struct {
	Success bool     `json:"success"`
	Data    []Record `json:"data"`
	Message string   `json:"message,omitempty"`
}

type nodeAuthPayload struct {
	Token string         `json:"token"`
	User  map[string]any `json:"user"`
	Error string         `json:"error,omitempty"`
}

type enhancedLoginPayload struct {
	NodeJSAuth          *nodeAuthPayload `json:"nodeJsAuth"`
	EnterpriseFeatures  bool             `json:"enterpriseFeatures"`
	MultiBackendAuth    bool             `json:"multiBackendAuth"`
	AIEnhanced          bool             `json:"aiEnhanced"`
	Roles               []string         `json:"roles"`
	Permissions         map[string]bool  `json:"permissions"`
	BackendCapabilities map[string]any   `json:"backendCapabilities"`
}

// classify returns the result kind for an enhanced login payload, or ""
// when the embedded primary auth is missing or failed.
func (p *enhancedLoginPayload) classify() ResultKind {
	if p.NodeJSAuth == nil || p.NodeJSAuth.Error != "" {
		return ""
	}
	return KindCombined
}

type backendStatus struct {
	Status string `json:"status"`
}

type enhancedHealthPayload struct {
	NodeJSBackend *backendStatus `json:"nodejsBackend"`
	JavaBackend   *backendStatus `json:"javaBackend"`
}

// Router applies the dual-backend decision policy: enhanced endpoint first,
// single-backend fallback, and health-gated concurrent fan-out with merge
// for reads that both backends can serve.
type Router struct {
	node    *Client
	java    *Client
	health  *HealthMonitor
	tokens  *TokenHolder
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a router over the two backend clients. Metrics may be
// nil.
func NewRouter(node, java *Client, health *HealthMonitor, tokens *TokenHolder, logger *logging.Logger, m *metrics.Metrics) *Router {
	return &Router{
		node:    node,
		java:    java,
		health:  health,
		tokens:  tokens,
		logger:  logger.With("router"),
		metrics: m,
	}
}

// Health returns the router's health monitor.
func (r *Router) Health() *HealthMonitor { return r.health }

// =============================================================================
// Authentication
// =============================================================================

// EnhancedLogin attempts the enterprise enhanced-login endpoint, which
// embeds the primary backend's auth result, and falls back to the primary
// backend alone when the combined path fails.
func (r *Router) EnhancedLogin(ctx context.Context, creds Credentials) AuthResult {
	resp, err := r.java.Post(ctx, "/enhanced/auth/enhanced-login", creds)
	if err != nil {
		r.logger.Warn().Err(err).Msg("enhanced login unreachable, falling back to nodejs")
		return r.fallbackNodeLogin(ctx, creds)
	}

	var payload enhancedLoginPayload
	if err := DecodeJSON(resp, &payload); err != nil {
		r.logger.Warn().Err(err).Msg("enhanced login failed, falling back to nodejs")
		return r.fallbackNodeLogin(ctx, creds)
	}

	if payload.classify() != KindCombined {
		r.logger.Warn().Msg("enhanced login embedded primary auth failed, falling back to nodejs")
		return r.fallbackNodeLogin(ctx, creds)
	}

	r.tokens.Set(payload.NodeJSAuth.Token)

	return AuthResult{
		Success:            true,
		Kind:               KindCombined,
		Backend:            SourceCombined,
		Token:              payload.NodeJSAuth.Token,
		User:               payload.NodeJSAuth.User,
		Roles:              payload.Roles,
		Permissions:        payload.Permissions,
		EnterpriseFeatures: payload.EnterpriseFeatures,
		MultiBackend:       payload.MultiBackendAuth,
		AIEnhanced:         payload.AIEnhanced,
	}
}

func (r *Router) fallbackNodeLogin(ctx context.Context, creds Credentials) AuthResult {
	r.recordFallback("login")

	resp, err := r.node.Post(ctx, "/auth/login", creds)
	if err != nil {
		return AuthResult{
			Success:  false,
			Backend:  SourceNode,
			Fallback: true,
			Error:    fmt.Sprintf("authentication failed: %v", err),
		}
	}

	var payload nodeAuthPayload
	if err := DecodeJSON(resp, &payload); err != nil {
		return AuthResult{
			Success:  false,
			Backend:  SourceNode,
			Fallback: true,
			Error:    fmt.Sprintf("authentication failed: %v", err),
		}
	}

	r.tokens.Set(payload.Token)

	return AuthResult{
		Success:  true,
		Kind:     KindPrimaryOnly,
		Backend:  SourceNode,
		Fallback: true,
		Token:    payload.Token,
		User:     payload.User,
	}
}

// =============================================================================
// Collection reads
// =============================================================================

// GetProjects fans out to every healthy backend concurrently and merges the
// results by entity id. Unhealthy backends are skipped without a round-trip.
func (r *Router) GetProjects(ctx context.Context) Envelope {
	health := r.health.Check(ctx)

	if !health.Node && !health.Java {
		return Envelope{
			Success: false,
			Error:   "no backend available",
			Backend: SourceNone,
		}
	}

	var nodeItems, javaItems []Record

	g, gctx := errgroup.WithContext(ctx)
	if health.Node {
		g.Go(func() error {
			items, err := r.fetchList(gctx, r.node, "/projects")
			if err != nil {
				r.logger.Warn().Err(err).Str("backend", string(SourceNode)).Msg("project fetch failed")
				return nil // a degraded backend is skipped, not fatal
			}
			nodeItems = items
			return nil
		})
	}
	if health.Java {
		g.Go(func() error {
			items, err := r.fetchList(gctx, r.java, "/projects")
			if err != nil {
				r.logger.Warn().Err(err).Str("backend", string(SourceJava)).Msg("project fetch failed")
				return nil
			}
			javaItems = items
			return nil
		})
	}
	_ = g.Wait()

	if nodeItems == nil && javaItems == nil {
		return Envelope{
			Success: false,
			Error:   "failed to fetch projects from any backend",
			Backend: SourceNone,
		}
	}

	merged := MergeRecords(nodeItems, javaItems)

	backendTag := SourceCombined
	switch {
	case javaItems == nil:
		backendTag = SourceNode
	case nodeItems == nil:
		backendTag = SourceJava
	}

	return Envelope{
		Success: true,
		Data:    merged,
		Backend: backendTag,
	}
}

func (r *Router) fetchList(ctx context.Context, client *Client, path string) ([]Record, error) {
	resp, err := client.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var payload listPayload
	if err := DecodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	if payload.Data == nil {
		payload.Data = []Record{}
	}
	return payload.Data, nil
}

// MergeRecords merges two backend collections by entity id. Node items keep
// their order and gain aiEnhanced/source tags; a java item with a matching
// id is merged field-by-field with the enterprise fields winning; java-only
// items are appended in input order. Inputs are never mutated, so merging
// the same inputs twice yields an identical result.
func MergeRecords(nodeItems, javaItems []Record) []Record {
	out := make([]Record, 0, len(nodeItems)+len(javaItems))
	index := make(map[string]int, len(nodeItems))

	for _, item := range nodeItems {
		clone := cloneRecord(item)
		clone["aiEnhanced"] = true
		clone["source"] = string(SourceNode)
		if id, ok := recordID(item); ok {
			index[id] = len(out)
		}
		out = append(out, clone)
	}

	for _, item := range javaItems {
		id, ok := recordID(item)
		if ok {
			if at, exists := index[id]; exists {
				merged := out[at]
				for key, value := range item {
					merged[key] = value
				}
				merged["aiEnhanced"] = true
				merged["enterpriseFeatures"] = true
				merged["source"] = string(SourceCombined)
				continue
			}
		}

		clone := cloneRecord(item)
		clone["enterpriseFeatures"] = true
		clone["source"] = string(SourceJava)
		out = append(out, clone)
	}

	return out
}

func cloneRecord(item Record) Record {
	clone := make(Record, len(item)+3)
	for key, value := range item {
		clone[key] = value
	}
	return clone
}

func recordID(item Record) (string, bool) {
	id, ok := item["id"]
	if !ok || id == nil {
		return "", false
	}
	return fmt.Sprint(id), true
}

// =============================================================================
// Dashboard
// =============================================================================

// GetUnifiedDashboard prefers the enterprise unified endpoint and falls
// back to assembling per-backend dashboard sections from whichever
// backends are healthy.
func (r *Router) GetUnifiedDashboard(ctx context.Context, userID string) Envelope {
	path := "/enhanced/dashboard/unified?userId=" + url.QueryEscape(userID)

	resp, err := r.java.Get(ctx, path)
	if err == nil {
		var data map[string]any
		if decodeErr := DecodeJSON(resp, &data); decodeErr == nil {
			return Envelope{Success: true, Data: data, Backend: SourceCombined}
		}
	}

	r.logger.Warn().Str("user_id", userID).Msg("unified dashboard unavailable, assembling fallback")
	return r.fallbackDashboard(ctx, userID)
}

func (r *Router) fallbackDashboard(ctx context.Context, userID string) Envelope {
	r.recordFallback("dashboard")

	health := r.health.Check(ctx)
	path := "/dashboard?userId=" + url.QueryEscape(userID)
	sections := make(map[string]any)

	var mu sync.Mutex
	setSection := func(key string, value any) {
		mu.Lock()
		sections[key] = value
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if health.Node {
		g.Go(func() error {
			var data map[string]any
			resp, err := r.node.Get(gctx, path)
			if err != nil {
				return nil
			}
			if err := DecodeJSON(resp, &data); err != nil {
				return nil
			}
			setSection("nodeJsData", data)
			return nil
		})
	}
	if health.Java {
		g.Go(func() error {
			var data map[string]any
			resp, err := r.java.Get(gctx, path)
			if err != nil {
				return nil
			}
			if err := DecodeJSON(resp, &data); err != nil {
				return nil
			}
			setSection("javaData", data)
			return nil
		})
	}
	_ = g.Wait()

	if len(sections) == 0 {
		return Envelope{
			Success:  false,
			Error:    "no dashboard data available",
			Backend:  SourceNone,
			Fallback: true,
		}
	}

	return Envelope{
		Success:  true,
		Data:     sections,
		Backend:  SourceCombined,
		Fallback: true,
	}
}

// =============================================================================
// Processing
// =============================================================================

// ProcessMultimodal routes a processing job through the enterprise
// multimodal pipeline, falling back to Node-only analysis.
func (r *Router) ProcessMultimodal(ctx context.Context, req MultimodalRequest) Envelope {
	if req.AnalysisType == "" {
		req.AnalysisType = "full"
	}

	resp, err := r.java.Post(ctx, "/enhanced/projects/process-multimodal", req)
	if err == nil {
		var data map[string]any
		if decodeErr := DecodeJSON(resp, &data); decodeErr == nil {
			return Envelope{Success: true, Data: data, Backend: SourceCombined}
		}
	}

	r.recordFallback("multimodal")

	resp, err = r.node.Post(ctx, "/upload", req)
	if err != nil {
		return Envelope{
			Success:  false,
			Error:    fmt.Sprintf("multimodal processing failed: %v", err),
			Backend:  SourceNone,
			Fallback: true,
		}
	}

	var data map[string]any
	if err := DecodeJSON(resp, &data); err != nil {
		return Envelope{
			Success:  false,
			Error:    fmt.Sprintf("multimodal processing failed: %v", err),
			Backend:  SourceNone,
			Fallback: true,
		}
	}

	return Envelope{
		Success: true,
		Data: map[string]any{
			"aiProcessing":         data,
			"combinedCapabilities": false,
			"processingBackends":   []string{string(SourceNode)},
		},
		Backend:  SourceNode,
		Fallback: true,
	}
}

// ProcessAIRequest routes an AI-specific request to the Node.js backend.
// There is no fallback: the enterprise backend has no AI pipeline.
func (r *Router) ProcessAIRequest(ctx context.Context, endpoint string, payload any) Envelope {
	resp, err := r.node.Post(ctx, "/ai/"+endpoint, payload)
	if err != nil {
		return Envelope{
			Success: false,
			Error:   fmt.Sprintf("ai processing failed: %v", err),
			Backend: SourceNode,
		}
	}

	var data map[string]any
	if err := DecodeJSON(resp, &data); err != nil {
		return Envelope{
			Success: false,
			Error:   fmt.Sprintf("ai processing failed: %v", err),
			Backend: SourceNode,
		}
	}

	return Envelope{Success: true, Data: data, Backend: SourceNode}
}

// ProcessEnterpriseRequest routes an enterprise request to the Java
// backend. There is no fallback.
func (r *Router) ProcessEnterpriseRequest(ctx context.Context, endpoint string, payload any) Envelope {
	resp, err := r.java.Post(ctx, "/"+endpoint, payload)
	if err != nil {
		return Envelope{
			Success: false,
			Error:   fmt.Sprintf("enterprise processing failed: %v", err),
			Backend: SourceJava,
		}
	}

	var data map[string]any
	if err := DecodeJSON(resp, &data); err != nil {
		return Envelope{
			Success: false,
			Error:   fmt.Sprintf("enterprise processing failed: %v", err),
			Backend: SourceJava,
		}
	}

	return Envelope{Success: true, Data: data, Backend: SourceJava}
}

// =============================================================================
// System health
// =============================================================================

// SystemHealth asks the enterprise backend for an aggregated health report
// and feeds it into the monitor. If the enhanced endpoint is unreachable it
// falls back to direct probes of both backends.
func (r *Router) SystemHealth(ctx context.Context) Envelope {
	resp, err := r.java.Get(ctx, "/enhanced/health")
	if err == nil {
		var payload map[string]any
		if decodeErr := DecodeJSON(resp, &payload); decodeErr == nil {
			report := decodeHealthReport(payload)
			r.health.SetFromReport(report.NodeJSBackend != nil && report.NodeJSBackend.Status == "healthy",
				report.JavaBackend != nil && report.JavaBackend.Status == "healthy")
			return Envelope{Success: true, Data: payload, Backend: SourceCombined}
		}
	}

	r.recordFallback("health")

	health := r.health.Check(ctx)
	data := map[string]any{
		"nodejsBackend": map[string]any{"status": statusWord(health.Node)},
		"javaBackend":   map[string]any{"status": statusWord(health.Java)},
		"lastChecked":   health.LastChecked,
	}

	if !health.Overall() {
		return Envelope{
			Success:  false,
			Data:     data,
			Error:    "all backends unreachable",
			Backend:  SourceNone,
			Fallback: true,
		}
	}

	return Envelope{Success: true, Data: data, Backend: SourceNone, Fallback: true}
}

func decodeHealthReport(payload map[string]any) enhancedHealthPayload {
	var report enhancedHealthPayload
	report.NodeJSBackend = decodeBackendStatus(payload["nodejsBackend"])
	report.JavaBackend = decodeBackendStatus(payload["javaBackend"])
	return report
}

func decodeBackendStatus(v any) *backendStatus {
	section, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	status, _ := section["status"].(string)
	return &backendStatus{Status: status}
}

func statusWord(up bool) string {
	if up {
		return "healthy"
	}
	return "unhealthy"
}

func (r *Router) recordFallback(operation string) {
	if r.metrics != nil {
		r.metrics.RecordFallback(operation)
	}
}
