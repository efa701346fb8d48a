// Package fix turns a detected finding into a pull request: it asks a model
// for corrected file content, commits it to a dedicated branch, and opens (or
// reuses) a pull request on the hosting service.
package fix

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"autopatch/pkg/github"
	"autopatch/pkg/lifecycle"
	"autopatch/pkg/llm"
	"autopatch/pkg/logx"
	"autopatch/pkg/metrics"
	"autopatch/pkg/store"
)

// ErrAlreadyProcessing is returned when the finding is not in the detected
// state, either because another fix attempt claimed it first or because it
// already has a pull request.
var ErrAlreadyProcessing = errors.New("finding is not available for fixing")

// ErrNoChange is returned when the model regurgitated the original file.
var ErrNoChange = errors.New("generated fix is identical to the original file")

// Invoker is the resilient completion unit the pipeline calls.
type Invoker interface {
	Invoke(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error)
	Provider() string
}

// Store is the persistence surface the fix pipeline needs.
type Store interface {
	GetFinding(id int64) (*store.Finding, error)
	GetRepository(id int64) (*store.Repository, error)
	MarkFindingFixing(id int64) error
	UpdateFindingStatus(id int64, status, lastError string) error
	CreateChangeRequest(cr *store.ChangeRequest) (*store.ChangeRequest, error)
}

// Hosting is the slice of the hosting-service client the pipeline uses.
type Hosting interface {
	GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, string, error)
	CreateBranch(ctx context.Context, owner, repo, name, baseRef string) error
	CommitFile(ctx context.Context, owner, repo, path, branch, message string, content []byte, sha string) (*github.Commit, error)
	CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (*github.PullRequest, error)
	ListOpenPRsForBranch(ctx context.Context, owner, repo, branch string) ([]*github.PullRequest, error)
}

// Config bounds one fix attempt.
type Config struct {
	MaxTokens int
	ForceJSON bool // fixes want raw file content, leave false
}

// Pipeline generates fixes and opens pull requests for findings.
type Pipeline struct {
	invokers []Invoker // ordered: primary first, fallbacks after
	store    Store
	gh       Hosting
	config   Config
	logger   *logx.Logger
}

// NewPipeline creates a fix pipeline over the given providers, store, and
// hosting client.
func NewPipeline(invokers []Invoker, st Store, gh Hosting, config Config) (*Pipeline, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("fix pipeline requires at least one invoker")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = llm.DefaultMaxTokens
	}
	return &Pipeline{
		invokers: invokers,
		store:    st,
		gh:       gh,
		config:   config,
		logger:   logx.NewLogger("fix"),
	}, nil
}

// BranchName returns the fix branch for a finding. One branch per finding, so
// retried attempts land on the same branch and reuse its open pull request.
func BranchName(findingID int64) string {
	return fmt.Sprintf("autopatch/fix-%d", findingID)
}

// Fix runs the full attempt for one finding: claim it, generate corrected
// content, push a branch, and open a pull request. The claim is durable, so a
// crash mid-attempt leaves the finding in fix_generated rather than silently
// eligible again; any failure after the claim reverts it to detected with the
// failure reason recorded.
func (p *Pipeline) Fix(ctx context.Context, findingID int64) (*store.ChangeRequest, error) {
	finding, err := p.store.GetFinding(findingID)
	if err != nil {
		return nil, err
	}
	repo, err := p.store.GetRepository(finding.RepoID)
	if err != nil {
		return nil, err
	}

	// Claim the finding. A guarded single-statement update means two
	// concurrent attempts cannot both pass this point.
	if err := p.store.MarkFindingFixing(findingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: finding %d is %s", ErrAlreadyProcessing, findingID, finding.Status)
		}
		return nil, err
	}

	cr, err := p.attempt(ctx, repo, finding)
	if err != nil {
		p.revert(findingID, err)
		return nil, err
	}

	if err := p.store.UpdateFindingStatus(findingID, store.FindingPRCreated, ""); err != nil {
		p.logger.Error("PR #%d exists but finding %d could not advance: %v", cr.Number, findingID, err)
		// Return the claim rather than stranding it in fix_generated. The branch
		// and PR are deterministic per finding, so a retry reuses both.
		p.revert(findingID, fmt.Errorf("pull request #%d created but status advance failed: %w", cr.Number, err))
		return cr, err
	}
	metrics.LifecycleTransitions.WithLabelValues(store.FindingPRCreated).Inc()
	p.logger.Info("finding %d: opened PR #%d (%s)", findingID, cr.Number, cr.URL)
	return cr, nil
}

// attempt performs the fallible middle of the pipeline: everything between the
// durable claim and the final status advance.
func (p *Pipeline) attempt(ctx context.Context, repo *store.Repository, finding *store.Finding) (*store.ChangeRequest, error) {
	original, blobSHA, err := p.gh.GetFileContent(ctx, repo.Owner, repo.Name, finding.FilePath, repo.DefaultBranch)
	if err != nil {
		if github.IsNotFound(err) {
			return nil, fmt.Errorf("file %s no longer exists on %s: %w", finding.FilePath, repo.DefaultBranch, err)
		}
		return nil, err
	}

	fixed, err := p.generate(ctx, finding, string(original))
	if err != nil {
		return nil, err
	}
	if bytes.Equal([]byte(fixed), original) {
		return nil, ErrNoChange
	}

	branch := BranchName(finding.ID)
	if err := p.gh.CreateBranch(ctx, repo.Owner, repo.Name, branch, repo.DefaultBranch); err != nil {
		return nil, err
	}

	// On a reused branch the file may already carry a previous attempt; commit
	// against whatever blob is there now.
	commitSHA := blobSHA
	if _, branchSHA, err := p.gh.GetFileContent(ctx, repo.Owner, repo.Name, finding.FilePath, branch); err == nil {
		commitSHA = branchSHA
	} else if github.IsNotFound(err) {
		commitSHA = ""
	}

	message := fmt.Sprintf("fix: %s\n\nAutomated fix for %s finding in %s.", finding.Title, finding.Severity, finding.FilePath)
	if _, err := p.gh.CommitFile(ctx, repo.Owner, repo.Name, finding.FilePath, branch, message, []byte(fixed), commitSHA); err != nil {
		return nil, err
	}

	pr, err := p.ensurePR(ctx, repo, finding, branch)
	if err != nil {
		return nil, err
	}

	return p.store.CreateChangeRequest(&store.ChangeRequest{
		FindingID: finding.ID,
		Number:    pr.Number,
		Branch:    branch,
		Title:     pr.Title,
		Body:      pr.Body,
		URL:       pr.URL,
		Status:    store.PROpen,
		RiskLevel: store.RiskLevelFor(finding.Severity),
	})
}

// generate asks each provider in order for corrected file content.
func (p *Pipeline) generate(ctx context.Context, finding *store.Finding, original string) (string, error) {
	req := llm.CompletionRequest{
		System:      fixSystemPrompt,
		User:        buildFixPrompt(finding, original),
		Temperature: llm.TemperatureFix,
		MaxTokens:   p.config.MaxTokens,
		ForceJSON:   p.config.ForceJSON,
	}

	var lastErr error
	for i, iv := range p.invokers {
		resp, err := iv.Invoke(ctx, req)
		if err == nil {
			if resp.Truncated() {
				lastErr = fmt.Errorf("provider %s truncated the corrected file", iv.Provider())
				continue
			}
			content := stripFences(resp.Content)
			if len(content) == 0 {
				lastErr = fmt.Errorf("provider %s returned empty content", iv.Provider())
				continue
			}
			return content, nil
		}
		lastErr = err
		if i+1 < len(p.invokers) {
			p.logger.Warn("provider %s failed, falling back to %s: %v", iv.Provider(), p.invokers[i+1].Provider(), err)
		}
	}
	return "", fmt.Errorf("fix generation failed: %w", lastErr)
}

// ensurePR returns an open pull request for branch, reusing an existing one
// before creating. Retried attempts on the same finding land on the same
// branch, so the pre-flight check keeps us at one PR per finding.
func (p *Pipeline) ensurePR(ctx context.Context, repo *store.Repository, finding *store.Finding, branch string) (*github.PullRequest, error) {
	existing, err := p.gh.ListOpenPRsForBranch(ctx, repo.Owner, repo.Name, branch)
	if err != nil {
		p.logger.Warn("pre-flight PR listing failed, proceeding to create: %v", err)
	} else if len(existing) > 0 {
		p.logger.Info("reusing existing PR #%d for branch %s", existing[0].Number, branch)
		return existing[0], nil
	}

	return p.gh.CreatePR(ctx, repo.Owner, repo.Name, prTitle(finding), prBody(finding), branch, repo.DefaultBranch)
}

// revert returns a claimed finding to detected, recording why the attempt
// failed. The transition is validated like any other; failures here are logged
// because there is no caller left to surface them to.
func (p *Pipeline) revert(findingID int64, cause error) {
	if !lifecycle.CanTransition(store.FindingFixGenerated, store.FindingDetected) {
		return
	}
	if err := p.store.UpdateFindingStatus(findingID, store.FindingDetected, cause.Error()); err != nil {
		p.logger.Error("failed to revert finding %d after fix failure: %v (original cause: %v)", findingID, err, cause)
		return
	}
	metrics.LifecycleTransitions.WithLabelValues(store.FindingDetected).Inc()
	p.logger.Warn("finding %d reverted to detected: %v", findingID, cause)
}
