package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyperion-flux/aptsim/pkg/engine"
	"github.com/hyperion-flux/aptsim/pkg/store"
)

// Context keys
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	tenantKey  contextKey = "tenant"
)

// Launcher abstracts the orchestrator so handlers can be tested with mocks.
type Launcher interface {
	Launch(ctx context.Context, scenarioID, tenantID string, seed int64) (*store.Run, error)
	Cancel(runID string) bool
}

// Server encapsulates the HTTP API server.
type Server struct {
	store    store.Store
	launcher Launcher
	server   *http.Server
}

// NewServer creates a new API server instance.
func NewServer(st store.Store, launcher Launcher, addr string) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		store:    st,
		launcher: launcher,
	}

	mux.HandleFunc("/v1/tenants", s.handleTenants)
	mux.HandleFunc("/v1/scenarios", s.withAuth(s.handleScenarios))
	mux.HandleFunc("/v1/scenarios/", s.withAuth(s.handleScenarioByID))
	mux.HandleFunc("/v1/simulations", s.withAuth(s.handleSimulations))
	mux.HandleFunc("/v1/runs/", s.withAuth(s.handleRuns))
	mux.HandleFunc("/v1/usage", s.withAuth(s.handleUsage))
	mux.HandleFunc("/v1/webhooks", s.withAuth(s.handleWebhooks))

	// Middleware: Logging, Panic Recovery, CORS
	handler := withLogging(withRecovery(withCORS(mux)))

	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking).
func (s *Server) Start() error {
	fmt.Printf(`{"level":"info","msg":"server_starting","addr":"%s"}`+"\n", s.server.Addr)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	fmt.Println(`{"level":"info","msg":"server_stopping"}`)
	return s.server.Shutdown(ctx)
}

// handleSimulations starts a simulation run for a scenario.
func (s *Server) handleSimulations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}

	if req.ScenarioID == "" {
		http.Error(w, `{"error":"missing_scenario_id"}`, http.StatusBadRequest)
		return
	}

	tenant := getTenant(r.Context())
	if req.TenantID != "" && req.TenantID != tenant.TenantID {
		http.Error(w, `{"error":"tenant_mismatch"}`, http.StatusForbidden)
		return
	}

	run, err := s.launcher.Launch(r.Context(), req.ScenarioID, tenant.TenantID, req.Seed)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"Scenario not found"}`, http.StatusNotFound)
		return
	}
	if errors.Is(err, engine.ErrScenarioBusy) {
		http.Error(w, `{"error":"scenario_busy"}`, http.StatusConflict)
		return
	}
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_launch_run","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, LaunchResponse{RunID: run.RunID, Success: true})

	fmt.Printf(`{"level":"info","msg":"run_launched","trace_id":"%s","run_id":"%s","scenario_id":"%s","tenant_id":"%s"}`+"\n",
		getTraceID(r.Context()), run.RunID, req.ScenarioID, tenant.TenantID)
}

// handleRuns serves /v1/runs/{id}[/events|/detections|/cancel].
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if rest == "" {
		http.Error(w, `{"error":"missing_run_id"}`, http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"run_not_found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_get_run","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	tenant := getTenant(r.Context())
	if run.TenantID != tenant.TenantID {
		// Tenant isolation: foreign runs are indistinguishable from absent ones
		http.Error(w, `{"error":"run_not_found"}`, http.StatusNotFound)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, run)

	case sub == "events" && r.Method == http.MethodGet:
		events, err := s.store.ListRunEvents(r.Context(), runID)
		if err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_list_events","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
			http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []*store.EventRecord{}
		}
		writeJSON(w, http.StatusOK, events)

	case sub == "detections" && r.Method == http.MethodGet:
		detections, err := s.store.ListRunDetections(r.Context(), runID)
		if err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_list_detections","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
			http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			return
		}
		if detections == nil {
			detections = []*store.DetectionRecord{}
		}
		writeJSON(w, http.StatusOK, detections)

	case sub == "cancel" && r.Method == http.MethodPost:
		if run.Status.Terminal() {
			http.Error(w, `{"error":"run_already_terminal"}`, http.StatusConflict)
			return
		}
		if !s.launcher.Cancel(runID) {
			http.Error(w, `{"error":"run_not_executing_here"}`, http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})

	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

// handleTenants registers a new tenant. Unauthenticated: this is the
// bootstrap endpoint that issues bearer tokens.
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req TenantRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, `{"error":"missing_name"}`, http.StatusBadRequest)
		return
	}

	var token string
	tokenHash := ""
	if req.Token != "" {
		tokenHash = hashToken(req.Token)
	} else {
		token = generateToken()
		tokenHash = hashToken(token)
	}

	tenant := &store.Tenant{
		TenantID:  "tn_" + generateID(),
		Name:      req.Name,
		TokenHash: tokenHash,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_create_tenant","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, TenantResponse{
		TenantID: tenant.TenantID,
		Name:     tenant.Name,
		Token:    token, // Empty if caller supplied one
	})
}

// handleScenarios creates or lists scenarios for the authenticated tenant.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	tenant := getTenant(r.Context())

	switch r.Method {
	case http.MethodGet:
		scenarios, err := s.store.ListScenarios(r.Context(), tenant.TenantID)
		if err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_list_scenarios","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
			http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			return
		}
		if scenarios == nil {
			scenarios = []*store.Scenario{}
		}
		writeJSON(w, http.StatusOK, scenarios)

	case http.MethodPost:
		var req ScenarioRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, `{"error":"missing_name"}`, http.StatusBadRequest)
			return
		}

		sc := &store.Scenario{
			ScenarioID:   "sc_" + generateID(),
			TenantID:     tenant.TenantID,
			Name:         req.Name,
			Description:  req.Description,
			ThreatActor:  req.ThreatActor,
			AttackVector: req.AttackVector,
			StealthMode:  req.StealthMode,
			CreatedAt:    time.Now().UTC(),
		}

		if err := s.store.CreateScenario(r.Context(), sc); err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_create_scenario","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
			http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, sc)

	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

// handleScenarioByID serves GET /v1/scenarios/{id}.
func (s *Server) handleScenarioByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/scenarios/")
	if id == "" {
		http.Error(w, `{"error":"missing_scenario_id"}`, http.StatusBadRequest)
		return
	}

	sc, err := s.store.GetScenario(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"Scenario not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_get_scenario","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	tenant := getTenant(r.Context())
	if sc.TenantID != tenant.TenantID {
		http.Error(w, `{"error":"Scenario not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sc)
}

// handleUsage returns metering records for the authenticated tenant.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	tenant := getTenant(r.Context())
	records, err := s.store.ListUsage(r.Context(), tenant.TenantID)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_list_usage","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*store.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleWebhooks registers a webhook for run lifecycle notifications.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}

	if req.URL == "" {
		http.Error(w, `{"error":"missing_url"}`, http.StatusBadRequest)
		return
	}

	webhookID := "wh_" + generateID()
	secret := generateToken()

	cfg := &store.WebhookConfig{
		WebhookID: webhookID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	if err := s.store.RegisterWebhook(r.Context(), cfg); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_register_webhook","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, WebhookResponse{WebhookID: webhookID, Secret: secret})
}

// handleHealth returns simple status.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_encode_response","error":"%v"}`+"\n", err)
	}
}

// Middleware: Auth. Resolves the bearer token to a tenant before any
// other lookup happens; handlers downstream read it from the context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		tenant, err := s.store.GetTenantByTokenHash(r.Context(), hashToken(parts[1]))
		if err != nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		next(w, r.WithContext(ctx))
	}
}

func getTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

func getTenant(ctx context.Context) *store.Tenant {
	if t, ok := ctx.Value(tenantKey).(*store.Tenant); ok {
		return t
	}
	return &store.Tenant{}
}

// Middleware: CORS. All origins permitted, preflight handled on every route.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Middleware: Panic Recovery
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fmt.Printf(`{"level":"error","msg":"panic_recovered","error":"%v","path":"%s"}`+"\n", err, r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		fmt.Printf(`{"level":"info","msg":"http_request","trace_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`+"\n",
			traceID, r.Method, r.URL.Path, ww.status, duration.Milliseconds())
	})
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()) // Fallback
	}
	return hex.EncodeToString(b)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
