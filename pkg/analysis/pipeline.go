// Package analysis implements the batch analysis pipeline: eligible-file
// enumeration, batched provider invocation with primary/secondary fallback,
// structured-output extraction, validation, and deduplicated persistence.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autopatch/pkg/extract"
	"autopatch/pkg/llm"
	"autopatch/pkg/logx"
	"autopatch/pkg/metrics"
	"autopatch/pkg/store"
)

// Invoker is the resilient completion unit the pipeline calls. Satisfied by
// *invoker.Invoker; tests substitute fakes with scripted fault sequences.
type Invoker interface {
	Invoke(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error)
	Provider() string
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	CreateFinding(f *store.Finding) (*store.Finding, bool, error)
	UpdateRepositoryStatus(id int64, status string, totalFindings, criticalFindings int) error
	CountFindings(repoID int64) (total, critical int, err error)
}

// Config bounds one analysis run.
type Config struct {
	MaxFiles     int           // total file-count cap per run
	MaxFileSize  int64         // per-file size ceiling in bytes
	SnippetLimit int           // per-file content ceiling in bytes sent to the model
	BatchSize    int           // files per completion request
	TokenBudget  int           // prompt token ceiling per batch
	MaxFindings  int           // stop the run once this many findings were persisted
	PacingDelay  time.Duration // sleep between batches, respects upstream per-minute limits
	MaxTokens    int           // output token budget per completion
	ForceJSON    bool
}

// DefaultConfig provides reasonable defaults for an analysis run.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxFiles:     100,
	MaxFileSize:  256 * 1024,
	SnippetLimit: 3000,
	BatchSize:    8,
	TokenBudget:  8000,
	MaxFindings:  50,
	PacingDelay:  2 * time.Second,
	MaxTokens:    llm.DefaultMaxTokens,
	ForceJSON:    true,
}

// Report summarizes one analysis run. Partial success is the norm: batch
// failures contribute zero findings and the run keeps going.
type Report struct {
	RunID         string
	FilesScanned  int
	Batches       int
	FailedBatches int
	NewFindings   int
	Duplicates    int
	Dropped       int // findings discarded for missing required fields
}

// rawFinding is one element of the model's issues array.
type rawFinding struct {
	File        string  `json:"file"`
	Line        int     `json:"line"`
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Suggestion  string  `json:"suggestion"`
	Excerpt     string  `json:"excerpt"`
	Confidence  float64 `json:"confidence"`
}

// batchPayload is the typed shape extraction targets.
type batchPayload struct {
	Issues   []rawFinding `json:"issues"`
	Findings []rawFinding `json:"findings"` // some models rename the array
}

func (p *batchPayload) all() []rawFinding {
	if len(p.Issues) > 0 {
		return p.Issues
	}
	return p.Findings
}

// Analyzer runs repository analysis through an ordered provider chain.
type Analyzer struct {
	invokers []Invoker // ordered: primary first, fallbacks after
	store    Store
	config   Config
	counter  *promptCounter
	logger   *logx.Logger
}

// NewAnalyzer creates an analyzer. invokers must contain at least the primary;
// any further entries are per-batch fallbacks, tried in order.
func NewAnalyzer(invokers []Invoker, st Store, config Config) (*Analyzer, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("analyzer requires at least one invoker")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig.BatchSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = DefaultConfig.MaxFiles
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig.MaxFileSize
	}
	if config.SnippetLimit <= 0 {
		config.SnippetLimit = DefaultConfig.SnippetLimit
	}
	if config.MaxFindings <= 0 {
		config.MaxFindings = DefaultConfig.MaxFindings
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultConfig.MaxTokens
	}
	return &Analyzer{
		invokers: invokers,
		store:    st,
		config:   config,
		counter:  newPromptCounter(),
		logger:   logx.NewLogger("analysis"),
	}, nil
}

// Analyze scans the checkout at root for the given repository and persists
// deduplicated findings. Batches run sequentially; a failed batch is logged
// and skipped, never fatal to the run.
func (a *Analyzer) Analyze(ctx context.Context, repo *store.Repository, root string) (*Report, error) {
	started := time.Now()
	report := &Report{RunID: uuid.NewString()}

	if err := a.store.UpdateRepositoryStatus(repo.ID, store.RepoAnalyzing, repo.TotalFindings, repo.CriticalFindings); err != nil {
		return nil, err
	}

	files, err := EnumerateFiles(root, a.config.MaxFiles, a.config.MaxFileSize)
	if err != nil {
		a.finishRun(repo, store.RepoFailed)
		return nil, err
	}
	report.FilesScanned = len(files)
	a.logger.Info("run %s: %d eligible files in %s", report.RunID, len(files), repo.FullName())

	for start := 0; start < len(files); start += a.config.BatchSize {
		if ctx.Err() != nil {
			a.finishRun(repo, store.RepoFailed)
			return report, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		}
		if report.NewFindings >= a.config.MaxFindings {
			a.logger.Info("run %s: findings ceiling (%d) reached, stopping early", report.RunID, a.config.MaxFindings)
			break
		}

		end := min(start+a.config.BatchSize, len(files))
		report.Batches++

		if report.Batches > 1 && a.config.PacingDelay > 0 {
			select {
			case <-ctx.Done():
				a.finishRun(repo, store.RepoFailed)
				return report, fmt.Errorf("analysis cancelled: %w", ctx.Err())
			case <-time.After(a.config.PacingDelay):
			}
		}

		if err := a.processBatch(ctx, repo, files[start:end], report); err != nil {
			report.FailedBatches++
			a.logger.Warn("run %s: batch %d failed: %v", report.RunID, report.Batches, err)
		}
	}

	a.finishRun(repo, store.RepoCompleted)
	metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	a.logger.Info("run %s: done, %d new findings (%d duplicate, %d dropped, %d/%d batches failed)",
		report.RunID, report.NewFindings, report.Duplicates, report.Dropped, report.FailedBatches, report.Batches)
	return report, nil
}

// processBatch sends one batch through the provider chain and persists the
// validated findings.
func (a *Analyzer) processBatch(ctx context.Context, repo *store.Repository, batch []SourceFile, report *Report) error {
	contents := make([]FileContent, 0, len(batch))
	for _, f := range batch {
		fc, err := LoadContent(f, a.config.SnippetLimit)
		if err != nil {
			a.logger.Warn("skipping unreadable file %s: %v", f.Path, err)
			continue
		}
		contents = append(contents, fc)
	}
	if len(contents) == 0 {
		return fmt.Errorf("no readable files in batch")
	}

	user, included := buildUserPrompt(a.counter, repo.FullName(), repo.DefaultBranch, contents, a.config.TokenBudget)
	if included == 0 {
		return fmt.Errorf("token budget too small for any file in batch")
	}
	if included < len(contents) {
		a.logger.Debug("token budget trimmed batch from %d to %d files", len(contents), included)
	}

	resp, err := a.complete(ctx, llm.CompletionRequest{
		System:      systemPrompt,
		User:        user,
		Temperature: llm.TemperatureAnalysis,
		MaxTokens:   a.config.MaxTokens,
		ForceJSON:   a.config.ForceJSON,
	})
	if err != nil {
		return err
	}
	if resp.Truncated() {
		a.logger.Warn("batch response truncated at max tokens; salvaging partial findings")
	}

	var payload batchPayload
	if err := extract.ExtractInto(resp.Content, &payload); err != nil {
		return fmt.Errorf("batch produced no recoverable findings: %w", err)
	}

	for _, raw := range payload.all() {
		if report.NewFindings >= a.config.MaxFindings {
			break
		}
		finding, err := a.validate(repo.ID, raw)
		if err != nil {
			report.Dropped++
			a.logger.Warn("dropping invalid finding: %v", err)
			continue
		}
		_, created, err := a.store.CreateFinding(finding)
		if err != nil {
			a.logger.Warn("failed to persist finding %q: %v", raw.Title, err)
			continue
		}
		if created {
			report.NewFindings++
			metrics.FindingsPersisted.WithLabelValues(finding.Severity).Inc()
		} else {
			report.Duplicates++
		}
	}
	return nil
}

// complete tries each invoker in order; the first success wins. The secondary
// provider is consulted only for the batch whose primary call failed.
func (a *Analyzer) complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error
	for i, iv := range a.invokers {
		resp, err := iv.Invoke(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i+1 < len(a.invokers) {
			a.logger.Warn("provider %s failed, falling back to %s: %v", iv.Provider(), a.invokers[i+1].Provider(), err)
		}
	}
	return llm.CompletionResponse{}, fmt.Errorf("all providers failed: %w", lastErr)
}

// validate turns a raw model finding into a persistable one, rejecting
// entries missing required fields.
func (a *Analyzer) validate(repoID int64, raw rawFinding) (*store.Finding, error) {
	switch {
	case raw.Title == "":
		return nil, fmt.Errorf("missing title (file %q)", raw.File)
	case raw.Description == "":
		return nil, fmt.Errorf("missing description (title %q)", raw.Title)
	case raw.Category == "":
		return nil, fmt.Errorf("missing category (title %q)", raw.Title)
	case raw.Severity == "":
		return nil, fmt.Errorf("missing severity (title %q)", raw.Title)
	case raw.File == "":
		return nil, fmt.Errorf("missing file path (title %q)", raw.Title)
	}

	confidence := raw.Confidence
	if confidence <= 0 {
		confidence = 0.5
	}
	if confidence > 1 {
		confidence = 1
	}
	line := raw.Line
	if line < 0 {
		line = 0
	}

	return &store.Finding{
		RepoID:      repoID,
		FilePath:    raw.File,
		Line:        line,
		Title:       raw.Title,
		Description: raw.Description,
		Suggestion:  raw.Suggestion,
		Excerpt:     raw.Excerpt,
		Category:    raw.Category,
		Severity:    store.NormalizeSeverity(raw.Severity),
		Confidence:  confidence,
		Status:      store.FindingDetected,
	}, nil
}

// finishRun records the terminal repository status with fresh counters.
func (a *Analyzer) finishRun(repo *store.Repository, status string) {
	total, critical, err := a.store.CountFindings(repo.ID)
	if err != nil {
		a.logger.Warn("failed to refresh finding counters for %s: %v", repo.FullName(), err)
		total, critical = repo.TotalFindings, repo.CriticalFindings
	}
	if err := a.store.UpdateRepositoryStatus(repo.ID, status, total, critical); err != nil {
		a.logger.Warn("failed to update repository status for %s: %v", repo.FullName(), err)
	}
}
