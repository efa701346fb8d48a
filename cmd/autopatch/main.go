// Command autopatch runs the defect-scanning service: it analyzes tracked
// repositories with LLM backends, opens fix pull requests, and reconciles
// finding lifecycle with live pull-request state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopatch/pkg/analysis"
	"autopatch/pkg/config"
	"autopatch/pkg/fix"
	"autopatch/pkg/github"
	"autopatch/pkg/lifecycle"
	"autopatch/pkg/llm"
	"autopatch/pkg/llm/anthropic"
	"autopatch/pkg/llm/cerebras"
	"autopatch/pkg/llm/credpool"
	"autopatch/pkg/llm/gemini"
	"autopatch/pkg/llm/invoker"
	"autopatch/pkg/logx"
	"autopatch/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autopatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file (optional)")
		analyzeArg = flag.String("analyze", "", "one-shot: analyze a local checkout as owner/name=path and exit")
		fixArg     = flag.Int64("fix", 0, "one-shot: generate a fix PR for the given finding id and exit")
	)
	flag.Parse()

	logger := logx.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	invokers, err := buildInvokers(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gh := github.NewClient(ctx, cfg.GitHubToken)

	analyzer, err := analysis.NewAnalyzer(toAnalysisInvokers(invokers), st, analysis.Config{
		MaxFiles:     cfg.Analysis.MaxFiles,
		MaxFileSize:  cfg.Analysis.MaxFileSize,
		SnippetLimit: cfg.Analysis.SnippetLimit,
		BatchSize:    cfg.Analysis.BatchSize,
		TokenBudget:  cfg.Analysis.TokenBudget,
		MaxFindings:  cfg.Analysis.MaxFindings,
		PacingDelay:  cfg.Analysis.PacingDelay,
		MaxTokens:    llm.DefaultMaxTokens,
		ForceJSON:    true,
	})
	if err != nil {
		return err
	}

	fixer, err := fix.NewPipeline(toFixInvokers(invokers), st, gh, fix.Config{})
	if err != nil {
		return err
	}

	if *analyzeArg != "" {
		return runAnalyze(ctx, st, analyzer, *analyzeArg)
	}
	if *fixArg != 0 {
		cr, err := fixer.Fix(ctx, *fixArg)
		if err != nil {
			return err
		}
		logger.Info("opened %s", cr.URL)
		return nil
	}

	reconciler := lifecycle.NewReconciler(st, gh, cfg.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/webhook", webhookHandler(reconciler, logger))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("listening on %s (/metrics, /webhook)", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed: %v", err)
		}
	}()

	reconciler.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildInvokers assembles the provider fallback chain in configured order.
func buildInvokers(cfg config.Config) ([]*invoker.Invoker, error) {
	ivConfig := invoker.Config{
		MaxRetries:     cfg.Invoker.MaxRetries,
		BaseDelay:      cfg.Invoker.BaseDelay,
		MaxDelay:       cfg.Invoker.MaxDelay,
		RequestTimeout: cfg.Invoker.RequestTimeout,
	}

	invokers := make([]*invoker.Invoker, 0, len(cfg.Chain))
	for _, name := range cfg.Chain {
		var provider llm.Provider
		switch name {
		case config.ProviderCerebras:
			provider = cerebras.New("", cfg.Model(name))
		case config.ProviderAnthropic:
			provider = anthropic.New(cfg.Model(name))
		case config.ProviderGemini:
			provider = gemini.New(cfg.Model(name))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}

		pool, err := credpool.New(name, cfg.Credentials[name])
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		invokers = append(invokers, invoker.New(provider, pool, ivConfig))
	}
	return invokers, nil
}

func toAnalysisInvokers(ivs []*invoker.Invoker) []analysis.Invoker {
	out := make([]analysis.Invoker, len(ivs))
	for i, iv := range ivs {
		out[i] = iv
	}
	return out
}

func toFixInvokers(ivs []*invoker.Invoker) []fix.Invoker {
	out := make([]fix.Invoker, len(ivs))
	for i, iv := range ivs {
		out[i] = iv
	}
	return out
}

// runAnalyze handles the one-shot analysis mode: "-analyze owner/name=path".
func runAnalyze(ctx context.Context, st *store.Store, analyzer *analysis.Analyzer, arg string) error {
	full, path, ok := strings.Cut(arg, "=")
	owner, name, ok2 := strings.Cut(full, "/")
	if !ok || !ok2 || owner == "" || name == "" || path == "" {
		return fmt.Errorf("invalid -analyze argument %q, want owner/name=path", arg)
	}

	repo, err := st.UpsertRepository(owner, name, "")
	if err != nil {
		return err
	}
	report, err := analyzer.Analyze(ctx, repo, path)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %d files, %d new findings (%d duplicate, %d dropped)\n",
		report.RunID, report.FilesScanned, report.NewFindings, report.Duplicates, report.Dropped)
	return nil
}

// webhookHandler feeds hosting-service pull_request events into reconciliation.
// Signature verification is a deployment concern handled upstream (gateway or
// reverse proxy); this handler trusts its caller.
func webhookHandler(r *lifecycle.Reconciler, logger *logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload struct {
			Action      string                        `json:"action"`
			PullRequest *lifecycle.PullRequestPayload `json:"pull_request"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		event := &lifecycle.WebhookEvent{
			EventType:   req.Header.Get("X-GitHub-Event"),
			Action:      payload.Action,
			PullRequest: payload.PullRequest,
		}
		if err := r.HandleWebhook(req.Context(), event); err != nil {
			logger.Error("webhook handling failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
