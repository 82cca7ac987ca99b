// Command beamserver is the thin operator entrypoint described in spec §6:
// it wires the submit/subscribe/cancel surface behind a minimal HTTP+WS
// transport, but never reimplements "the HTTP framework" itself. It runs
// against the in-process mock providers by default, and swaps in the real
// OpenAI-backed TextProvider when BEAMSERVER_OPENAI_API_KEY is set — enough
// to exercise the orchestrator, router, and event fanout end to end either
// way.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/metadata"
	"github.com/dshills/beamforge/internal/orchestrator"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/router"
	"github.com/dshills/beamforge/internal/tokens"
)

// serverConfig is read from flags, falling back to environment variables —
// the flag-then-env precedence style of examples/multi-llm-review/main.go's
// parseArgs, scaled down to beamserver's much smaller surface.
type serverConfig struct {
	Addr         string
	OutputDir    string
	PendingDB    string
	PricingFile  string
	RemoteImage  int
	RemoteVision int
	RemoteText   int
	RemoteVLM    int
}

func loadConfig() serverConfig {
	cfg := serverConfig{
		Addr:         envOr("BEAMSERVER_ADDR", ":8080"),
		OutputDir:    envOr("BEAMSERVER_OUTPUT_DIR", "./output"),
		PendingDB:    envOr("BEAMSERVER_PENDING_DB", ""),
		PricingFile:  envOr("BEAMSERVER_PRICING_FILE", ""),
		RemoteImage:  envIntOr("BEAMSERVER_LIMIT_IMAGE", 0),
		RemoteVision: envIntOr("BEAMSERVER_LIMIT_VISION", 0),
		RemoteText:   envIntOr("BEAMSERVER_LIMIT_TEXT", 0),
		RemoteVLM:    envIntOr("BEAMSERVER_LIMIT_VLM", 0),
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "metadata output directory")
	flag.StringVar(&cfg.PendingDB, "pending-db", cfg.PendingDB, "sqlite path for the pending-job index (empty: in-memory)")
	flag.StringVar(&cfg.PricingFile, "pricing-file", cfg.PricingFile, "JSON pricing table path (empty: zero-cost)")
	flag.Parse()
	return cfg
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func loadPricing(path string) (tokens.PricingTable, error) {
	table := tokens.PricingTable{}
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func buildGates(cfg serverConfig) *ratelimit.Registry {
	reg := ratelimit.NewRegistry()
	overrides := map[ratelimit.Capability]int{
		ratelimit.CapabilityImage:  cfg.RemoteImage,
		ratelimit.CapabilityVision: cfg.RemoteVision,
		ratelimit.CapabilityText:   cfg.RemoteText,
		ratelimit.CapabilityVLM:    cfg.RemoteVLM,
	}
	for cap, limit := range overrides {
		if limit > 0 {
			reg.SetLimit(cap, ratelimit.FamilyRemote, limit)
		}
	}
	return reg
}

// textProvider wires the real OpenAI-backed TextProvider when
// BEAMSERVER_OPENAI_API_KEY is set, falling back to the in-process mock
// otherwise (spec §4.12: concrete providers are an external collaborator,
// not a required one).
func textProvider() providers.TextProvider {
	apiKey := os.Getenv("BEAMSERVER_OPENAI_API_KEY")
	if apiKey == "" {
		return providers.NewMockTextProvider()
	}
	return providers.NewOpenAIText(apiKey, os.Getenv("BEAMSERVER_OPENAI_MODEL"))
}

func buildPendingIndex(cfg serverConfig) (jobs.PendingIndex, error) {
	if cfg.PendingDB == "" {
		return jobs.NewMemoryPendingIndex(), nil
	}
	return jobs.NewSQLitePendingIndex(cfg.PendingDB)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errMissingCredential):
		return 2
	case errors.Is(err, errUnparseablePricing):
		return 3
	default:
		return 1
	}
}

var (
	errMissingCredential  = errors.New("beamserver: missing required provider credential")
	errUnparseablePricing = errors.New("beamserver: unparseable pricing table")
)

func run() error {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "beamserver: ", log.LstdFlags)

	pricing, err := loadPricing(cfg.PricingFile)
	if err != nil {
		logger.Printf("pricing table: %v", err)
		return errUnparseablePricing
	}

	pending, err := buildPendingIndex(cfg)
	if err != nil {
		logger.Printf("pending index: %v", err)
		return err
	}

	registry := jobs.NewRegistry(pending)
	bus := events.NewBus()
	promReg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(promReg)
	gpu := gpucoord.New(nil, logger)
	gates := buildGates(cfg)
	persist := metadata.NewFilePersist(cfg.OutputDir)

	bundle := providers.Bundle{
		Text:     textProvider(),
		ImageGen: providers.NewMockImageGenProvider().AsProvider(),
		Vision:   providers.NewMockVisionProvider(),
		VLM:      providers.NewMockVLMProvider(),
	}

	r := router.New(router.Config{
		Registry:  registry,
		Bus:       bus,
		Providers: bundle,
		Gates:     gates,
		GPU:       gpu,
		Pricing:   pricing,
		Persist:   persist,
		Metrics:   metrics,
		Logger:    logger,
	})

	fanout := events.NewWSFanout(bus, logger)

	// Ambient tracing: every job's events become spans regardless of
	// whether a client ever opens the WS endpoint, the same way WSFanout
	// attaches a transport per job but for an observability backend
	// instead of an operator.
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	otelSink := events.NewOTelSink(tracerProvider.Tracer("beamforge"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/jobs", submitHandler(r, fanout, otelSink))
	mux.HandleFunc("/jobs/", jobRoutesHandler(r, fanout, logger))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Println("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("tracer provider shutdown: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("listen: %v", err)
			return err
		}
		return nil
	}
}

func submitHandler(r *router.Router, fanout *events.WSFanout, otelSink *events.OTelSink) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body router.SubmitRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job, err := r.Submit(req.Context(), body)
		if err != nil {
			var verr *router.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "field": verr.Field})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fanout.Attach(job.ID, otelSink)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":  job.ID,
			"status": string(job.GetStatus()),
			"params": job.Params,
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsHandle adapts a gorilla/websocket connection to events.TransportHandle,
// the one seam internal/events leaves for an embedding transport.
type wsHandle struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (h *wsHandle) Send(e events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.WriteJSON(e)
}

// jobRoutesHandler dispatches /jobs/{id} (cancel) and /jobs/{id}/events
// (the WS upgrade) per spec §6.
func jobRoutesHandler(r *router.Router, fanout *events.WSFanout, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		path := strings.TrimPrefix(req.URL.Path, "/jobs/")
		parts := strings.SplitN(path, "/", 2)
		jobID := parts[0]
		if jobID == "" {
			http.NotFound(w, req)
			return
		}

		if len(parts) == 2 && parts[1] == "events" {
			handleSubscribe(w, req, r, fanout, jobID, logger)
			return
		}

		switch req.Method {
		case http.MethodGet:
			job, err := r.Get(jobID)
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "status": string(job.GetStatus())})
		case http.MethodDelete:
			if err := r.Cancel(req.Context(), jobID); err != nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleSubscribe(w http.ResponseWriter, req *http.Request, r *router.Router, fanout *events.WSFanout, jobID string, logger *log.Logger) {
	if _, err := r.Get(jobID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Printf("ws upgrade failed for job %s: %v", jobID, err)
		return
	}

	handle := &wsHandle{conn: conn, mu: &sync.Mutex{}}
	fanout.Attach(jobID, handle)

	// Drain inbound frames (we expect none) until the client disconnects,
	// at which point ReadMessage returns an error and the handler exits.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func main() {
	if err := run(); err != nil {
		os.Exit(exitCode(err))
	}
}
