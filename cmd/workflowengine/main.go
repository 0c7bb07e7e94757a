// Command workflowengine wires the twelve components into an HTTP
// demonstration binary per spec §6. This binary is a thin composition
// root, explicitly out of the core's scope: it exists to exercise the
// wiring end-to-end, not to be a production-hardened HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowcore/workflowengine/contextstore"
	"github.com/flowcore/workflowengine/executor"
	"github.com/flowcore/workflowengine/llm"
	"github.com/flowcore/workflowengine/orchestrator"
	"github.com/flowcore/workflowengine/persistence"
	"github.com/flowcore/workflowengine/planner"
	"github.com/flowcore/workflowengine/registry"
	"github.com/flowcore/workflowengine/status"
	"github.com/flowcore/workflowengine/telemetry"
	"github.com/flowcore/workflowengine/tokenlimiter"
	"github.com/flowcore/workflowengine/variant"
	"github.com/flowcore/workflowengine/wfcore"
	"github.com/flowcore/workflowengine/wfcore/config"
	"github.com/flowcore/workflowengine/wfcore/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New("workflowengine", logging.Config{Format: cfg.Logging.Format, Debug: cfg.Logging.Level == "debug"})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("connect postgres failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer pool.Close()

	store := persistence.New(pool)
	if err := store.Init(ctx); err != nil {
		logger.Error("persistence init failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	statusRedis := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Redis.URL), DB: cfg.Redis.StatusStreamDB})
	statusStream := status.New(statusRedis, logger)

	tokenRedis := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Redis.URL), DB: cfg.Redis.TokenLimiterDB})
	limiter := tokenlimiter.New(tokenRedis, statusStream, logger)

	gateway, err := llm.New(llm.Config{
		Provider:         cfg.LLM.Provider,
		Model:            cfg.LLM.Model,
		APIKey:           cfg.LLM.APIKey,
		FallbackProvider: cfg.LLM.FallbackProvider,
		FallbackModel:    cfg.LLM.FallbackModel,
		FallbackAPIKey:   cfg.LLM.FallbackAPIKey,
	},
		llm.WithTokenReporter(tokenReportAdapter{limiter: limiter, persistence: store}),
		llm.WithTokenAdmitter(limiter),
		llm.WithLogger(logger),
		llm.WithRetryPolicy(cfg.LLM.RetryDelay, cfg.LLM.RetryAttempts),
	)
	if err != nil {
		logger.Error("build llm gateway failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	tracerProvider, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  "workflowengine",
		OTLPEndpoint: os.Getenv("WORKFLOWENGINE_OTLP_ENDPOINT"),
		Insecure:     true,
	})
	if err != nil {
		logger.Error("telemetry init failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	tools := registry.New(logger)
	registerBuiltinTools(tools)

	exec := executor.New(tools, gateway, statusStream, func(store *contextstore.Store, baseTitle, baseLocation string, skills []string) {
		variant.Generate(store, baseTitle, baseLocation, skills)
	}, logger)
	plan := planner.New(gateway, registryCatalog{tools}, logger)

	orch := orchestrator.New(exec, store, statusStream, registryOptional{tools},
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkerLimit(cfg.Orchestrator.MaxConcurrentWorkflows),
		orchestrator.WithTracer(tracerAdapter{tracerProvider}),
		orchestrator.WithWarningReset(limiter),
	)

	srv := newServer(plan, orch, store, statusStream, limiter, logger)

	httpServer := &http.Server{Addr: *addr, Handler: srv.routes()}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down", nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
		cancel()
	}()

	logger.Info("workflow engine listening", map[string]interface{}{"addr": *addr})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

// tokenReportAdapter bridges llm.TokenReporter (one call's token usage)
// to both the Token Limiter's Redis-backed window accounting and the Persistence
// Adapter's durable usage ledger.
type tokenReportAdapter struct {
	limiter     *tokenlimiter.Limiter
	persistence *persistence.Adapter
}

func (a tokenReportAdapter) Record(ctx context.Context, userID, agentType string, usage llm.Usage) {
	total := int64(usage.PromptTokens + usage.CompletionTokens)
	a.limiter.Record(ctx, userID, total)
	_ = a.persistence.RecordTokenUsage(ctx, userID, usage.Model, agentType, usage.PromptTokens, usage.CompletionTokens)
}

// tracerAdapter narrows telemetry.Provider's variadic-attribute span API
// down to the fixed two-argument shape orchestrator.Tracer expects.
type tracerAdapter struct {
	provider *telemetry.Provider
}

func (t tracerAdapter) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return t.provider.StartSpan(ctx, name)
}

// registryCatalog adapts *registry.Registry to planner.ToolCatalog.
type registryCatalog struct {
	reg *registry.Registry
}

func (r registryCatalog) Known(name string) bool { return r.reg.Known(name) }

func (r registryCatalog) List() []planner.ToolSummary {
	contracts := r.reg.List()
	out := make([]planner.ToolSummary, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, planner.ToolSummary{Name: c.Name, Description: c.Description})
	}
	return out
}

// registryOptional adapts *registry.Registry to orchestrator.OptionalChecker.
type registryOptional struct {
	reg *registry.Registry
}

func (r registryOptional) IsOptional(tool string) bool {
	contract, ok := r.reg.Lookup(tool)
	return ok && contract.Optional
}

// registerBuiltinTools registers the job-search domain's tool set. Real
// deployments would load these from a plugin/config layer; the
// demonstration binary hardcodes a minimal catalog so the engine is
// runnable standalone.
func registerBuiltinTools(tools *registry.Registry) {
	_ = tools.Register("list_documents", "List the user's uploaded documents", nil, false,
		func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "success", "documents": []interface{}{}}, nil
		})

	_ = tools.Register("search_jobs", "Search job postings by title/location", registry.ParameterSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"title":    map[string]interface{}{"type": "string"},
			"location": map[string]interface{}{"type": "string"},
			"radius":   map[string]interface{}{"type": "integer", "minimum": 0},
		},
	}, false,
		func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "success", "jobs": []interface{}{}}, nil
		})

	_ = tools.Register("enrich_company", "Fetch additional company metadata", nil, true,
		func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "success"}, nil
		})

	_ = tools.Register("send_application", "Submit a job application on the user's behalf", nil, false,
		func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "success"}, nil
		})
}

// server holds the ingress HTTP handlers (spec §6).
type server struct {
	planner      *planner.Planner
	orchestrator *orchestrator.Orchestrator
	persistence  *persistence.Adapter
	status       *status.Stream
	limiter      *tokenlimiter.Limiter
	logger       wfcore.Logger
}

func newServer(p *planner.Planner, o *orchestrator.Orchestrator, store *persistence.Adapter, s *status.Stream, l *tokenlimiter.Limiter, logger wfcore.Logger) *server {
	return &server{planner: p, orchestrator: o, persistence: store, status: s, limiter: l, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/create", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflow/status/{sessionId}", s.handleWorkflowStatus)
	mux.HandleFunc("POST /workflow/confirm/{workflowId}", s.handleConfirm)
	mux.HandleFunc("GET /agent/status/{sessionId}", s.handleAgentStatus)
	mux.HandleFunc("GET /tokens/limits", s.handleGetLimits)
	mux.HandleFunc("PUT /tokens/limits", s.handlePutLimits)
	mux.HandleFunc("GET /tokens/usage", s.handleUsage)
	mux.HandleFunc("GET /tokens/limits/check", s.handleCheckLimit)
	return mux
}

type createWorkflowRequest struct {
	Intent    string `json:"intent"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

func (s *server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	wf, err := s.planner.Plan(r.Context(), req.Intent, req.SessionID, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.persistence.CreateWorkflow(r.Context(), wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.orchestrator.Submit(context.Background(), wf, req.UserID)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id":   wf.ID,
		"session_id":    wf.SessionID,
		"steps_count":   len(wf.Steps),
		"missing_tools": []string{},
	})
}

func (s *server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	// The demonstration binary keeps a 1:1 session-to-workflow mapping and
	// reuses the workflow id as the path segment; a multi-workflow-per-
	// session deployment would add a session index table instead.
	sessionID := r.PathValue("sessionId")
	wf, err := s.persistence.LoadWorkflow(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, workflowStatusView(wf))
}

func workflowStatusView(wf *wfcore.Workflow) map[string]interface{} {
	steps := make([]map[string]interface{}, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		steps = append(steps, map[string]interface{}{
			"number":      step.Number,
			"type":        step.Type,
			"description": step.Description,
			"status":      step.Status,
			"result":      step.Result,
			"error":       step.Error,
		})
	}
	return map[string]interface{}{
		"status":       wf.Status,
		"current_step": wf.CurrentStep,
		"total_steps":  len(wf.Steps),
		"steps":        steps,
		"created_at":   wf.CreatedAt,
		"completed_at": wf.CompletedAt,
	}
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	go func() {
		if err := s.orchestrator.Resume(context.Background(), workflowID, req.Confirmed, ""); err != nil {
			s.logger.Error("resume failed", map[string]interface{}{"workflow": workflowID, "error": err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"workflow_id": workflowID, "confirmed": req.Confirmed})
}

func (s *server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	since := time.Unix(0, 0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}

	events, err := s.status.Since(r.Context(), sessionID, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	// Always reports the default limits. Per-user overrides stored through
	// PUT (SetSettings) live in the Limiter's in-memory map and are not
	// returned here.
	writeJSON(w, http.StatusOK, tokenlimiter.DefaultSettings().Limits)
}

func (s *server) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	var settings tokenlimiter.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.limiter.SetSettings(userID, settings)
	writeJSON(w, http.StatusOK, settings)
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	usage, err := s.limiter.Usage(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *server) handleCheckLimit(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	estimate, err := strconv.ParseInt(r.URL.Query().Get("estimated_tokens"), 10, 64)
	if err != nil {
		http.Error(w, "estimated_tokens must be an integer", http.StatusBadRequest)
		return
	}

	err = s.limiter.Admit(r.Context(), userID, estimate)
	writeJSON(w, http.StatusOK, map[string]interface{}{"admitted": err == nil})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
