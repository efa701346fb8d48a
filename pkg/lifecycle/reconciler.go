package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autopatch/pkg/github"
	"autopatch/pkg/logx"
	"autopatch/pkg/metrics"
	"autopatch/pkg/store"
)

// Store is the persistence surface reconciliation needs.
type Store interface {
	ListOpenChangeRequests() ([]*store.ChangeRequest, error)
	GetChangeRequestByNumber(number int) (*store.ChangeRequest, error)
	UpdateChangeRequestStatus(id int64, status string) error
	GetFinding(id int64) (*store.Finding, error)
	UpdateFindingStatus(id int64, status, lastError string) error
	GetRepository(id int64) (*store.Repository, error)
}

// PRFetcher fetches live pull-request state from the hosting service.
type PRFetcher interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
}

// Reconciler aligns internal lifecycle state with externally observed
// pull-request state. Two independent drivers feed it: inbound webhook events
// and a periodic poll over open change requests. Both apply the same
// transition function, so arrival order and duplication do not matter.
type Reconciler struct {
	store  Store
	gh     PRFetcher
	logger *logx.Logger

	interval time.Duration

	mu      sync.Mutex
	polling bool
}

// DefaultPollInterval is the default spacing between poll runs.
const DefaultPollInterval = 5 * time.Minute

// NewReconciler creates a reconciler over the given store and PR fetcher.
func NewReconciler(st Store, gh PRFetcher, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reconciler{
		store:    st,
		gh:       gh,
		logger:   logx.NewLogger("reconciler"),
		interval: interval,
	}
}

// HandleWebhook processes one inbound hosting-service event. Events for pull
// requests we do not track are ignored, not errors: the service may receive
// notifications for human-authored pull requests on the same repositories.
func (r *Reconciler) HandleWebhook(ctx context.Context, event *WebhookEvent) error {
	if event == nil || event.EventType != EventPullRequest || event.PullRequest == nil {
		return nil
	}

	cr, err := r.store.GetChangeRequestByNumber(event.PullRequest.Number)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("webhook for untracked PR #%d, ignoring", event.PullRequest.Number)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up change request for PR #%d: %w", event.PullRequest.Number, err)
	}

	return r.applyObservation(ctx, cr, event.PullRequest.Observation())
}

// Start runs the poll loop until ctx is cancelled. A tick that fires while a
// run is still in progress is dropped entirely, never queued.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation poller started (interval %s)", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			if !r.TryPoll(ctx) {
				metrics.PollerSkips.Inc()
				r.logger.Debug("poll tick skipped, previous run still in progress")
			}
		}
	}
}

// TryPoll runs one poll unless one is already in flight. It returns false
// when the run was skipped.
func (r *Reconciler) TryPoll(ctx context.Context) bool {
	r.mu.Lock()
	if r.polling {
		r.mu.Unlock()
		return false
	}
	r.polling = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.polling = false
		r.mu.Unlock()
	}()

	r.poll(ctx)
	return true
}

// poll re-fetches the live status of every change request currently open.
// Per-PR failures are logged and skipped; one bad fetch never aborts the run.
func (r *Reconciler) poll(ctx context.Context) {
	open, err := r.store.ListOpenChangeRequests()
	if err != nil {
		r.logger.Error("failed to list open change requests: %v", err)
		return
	}
	if len(open) == 0 {
		return
	}
	r.logger.Debug("polling %d open change requests", len(open))

	for _, cr := range open {
		if ctx.Err() != nil {
			return
		}
		finding, err := r.store.GetFinding(cr.FindingID)
		if err != nil {
			r.logger.Warn("change request %d references missing finding %d: %v", cr.ID, cr.FindingID, err)
			continue
		}
		repo, err := r.store.GetRepository(finding.RepoID)
		if err != nil {
			r.logger.Warn("finding %d references missing repository %d: %v", finding.ID, finding.RepoID, err)
			continue
		}

		pr, err := r.gh.GetPR(ctx, repo.Owner, repo.Name, cr.Number)
		if err != nil {
			r.logger.Warn("failed to fetch PR #%d: %v", cr.Number, err)
			continue
		}

		obs := Observation{State: pr.State, Merged: pr.Merged}
		if err := r.applyObservation(ctx, cr, obs); err != nil {
			r.logger.Warn("failed to reconcile PR #%d: %v", cr.Number, err)
		}
	}
}

// applyObservation runs the shared transition function and persists the
// result. Applying an already-reflected observation is a no-op.
//
// The change-request mirror and the finding status are converged
// independently: an observation whose PR status is already recorded may still
// owe a finding update, because the two writes are not atomic and a crash or
// storage failure between them must be healed by the next delivery.
func (r *Reconciler) applyObservation(_ context.Context, cr *store.ChangeRequest, obs Observation) error {
	if err := ValidateObservation(obs); err != nil {
		return err
	}

	outcome := Apply(cr.Status, obs)
	if outcome.Changed {
		if err := r.store.UpdateChangeRequestStatus(cr.ID, outcome.PRStatus); err != nil {
			return err
		}
	}

	finding, err := r.store.GetFinding(cr.FindingID)
	if err != nil {
		return fmt.Errorf("failed to load finding %d: %w", cr.FindingID, err)
	}
	// Human dismissals stick: reconciliation never pulls a finding out of
	// ignored, whatever the pull request does.
	if finding.Status == store.FindingIgnored {
		return nil
	}
	if finding.Status == outcome.FindingStatus {
		return nil
	}
	if !CanTransition(finding.Status, outcome.FindingStatus) {
		r.logger.Warn("refusing transition %s -> %s for finding %d", finding.Status, outcome.FindingStatus, finding.ID)
		return nil
	}
	if err := r.store.UpdateFindingStatus(finding.ID, outcome.FindingStatus, ""); err != nil {
		return err
	}
	metrics.LifecycleTransitions.WithLabelValues(outcome.FindingStatus).Inc()
	r.logger.Info("finding %d: %s -> %s (PR #%d %s)", finding.ID, finding.Status, outcome.FindingStatus, cr.Number, outcome.PRStatus)
	return nil
}
