package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopatch/pkg/github"
	"autopatch/pkg/store"
)

// fakeStore is an in-memory Store double.
type fakeStore struct {
	mu       sync.Mutex
	repos    map[int64]*store.Repository
	findings map[int64]*store.Finding
	crs      map[int64]*store.ChangeRequest

	failFindingUpdates int // when > 0, that many UpdateFindingStatus calls fail
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:    map[int64]*store.Repository{},
		findings: map[int64]*store.Finding{},
		crs:      map[int64]*store.ChangeRequest{},
	}
}

func (f *fakeStore) seed(repo *store.Repository, finding *store.Finding, cr *store.ChangeRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[repo.ID] = repo
	f.findings[finding.ID] = finding
	f.crs[cr.ID] = cr
}

func (f *fakeStore) ListOpenChangeRequests() ([]*store.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ChangeRequest
	for _, cr := range f.crs {
		if cr.Status == store.PROpen {
			copied := *cr
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) GetChangeRequestByNumber(number int) (*store.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cr := range f.crs {
		if cr.Number == number {
			copied := *cr
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateChangeRequestStatus(id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.crs[id]
	if !ok {
		return store.ErrNotFound
	}
	cr.Status = status
	return nil
}

func (f *fakeStore) GetFinding(id int64) (*store.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	finding, ok := f.findings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *finding
	return &copied, nil
}

func (f *fakeStore) UpdateFindingStatus(id int64, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFindingUpdates > 0 {
		f.failFindingUpdates--
		return errors.New("database is locked")
	}
	finding, ok := f.findings[id]
	if !ok {
		return store.ErrNotFound
	}
	finding.Status = status
	finding.LastError = lastError
	return nil
}

func (f *fakeStore) GetRepository(id int64) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	repo, ok := f.repos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *repo
	return &copied, nil
}

func (f *fakeStore) findingStatus(t *testing.T, id int64) string {
	t.Helper()
	finding, err := f.GetFinding(id)
	require.NoError(t, err)
	return finding.Status
}

func (f *fakeStore) crStatus(t *testing.T, id int64) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.crs[id]
	require.True(t, ok)
	return cr.Status
}

// fakeFetcher serves scripted PR states and can block to simulate a slow poll.
type fakeFetcher struct {
	mu    sync.Mutex
	prs   map[int]*github.PullRequest
	block chan struct{} // when non-nil, GetPR waits until closed
	calls int
}

func (f *fakeFetcher) GetPR(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
	f.mu.Lock()
	block := f.block
	f.calls++
	pr, ok := f.prs[number]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if !ok {
		return nil, &github.ExternalServiceError{Op: "get pull request", Kind: github.KindNotFound}
	}
	copied := *pr
	return &copied, nil
}

func seedTracked(fs *fakeStore, findingStatus, crStatus string) (*store.Finding, *store.ChangeRequest) {
	repo := &store.Repository{ID: 1, Owner: "acme", Name: "widgets", DefaultBranch: "main"}
	finding := &store.Finding{ID: 10, RepoID: 1, FilePath: "main.go", Title: "bug", Status: findingStatus}
	cr := &store.ChangeRequest{ID: 100, FindingID: 10, Number: 7, Status: crStatus}
	fs.seed(repo, finding, cr)
	return finding, cr
}

func TestWebhookMergeResolvesFinding(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 7, State: "closed", Merged: true},
	}
	require.NoError(t, r.HandleWebhook(context.Background(), event))

	assert.Equal(t, store.PRMerged, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingResolved, fs.findingStatus(t, finding.ID))
}

func TestWebhookCloseWithoutMergeReverts(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 7, State: "closed", Merged: false},
	}
	require.NoError(t, r.HandleWebhook(context.Background(), event))

	assert.Equal(t, store.PRClosed, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingDetected, fs.findingStatus(t, finding.ID))
}

func TestWebhookUntrackedPRIgnored(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 999, State: "closed", Merged: true},
	}
	require.NoError(t, r.HandleWebhook(context.Background(), event))
}

func TestWebhookNonPullRequestEventIgnored(t *testing.T) {
	fs := newFakeStore()
	finding, _ := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	require.NoError(t, r.HandleWebhook(context.Background(), &WebhookEvent{EventType: EventPush}))
	require.NoError(t, r.HandleWebhook(context.Background(), nil))
	assert.Equal(t, store.FindingPRCreated, fs.findingStatus(t, finding.ID))
}

func TestWebhookIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 7, State: "closed", Merged: true},
	}
	require.NoError(t, r.HandleWebhook(context.Background(), event))
	require.NoError(t, r.HandleWebhook(context.Background(), event))

	assert.Equal(t, store.PRMerged, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingResolved, fs.findingStatus(t, finding.ID))
}

func TestWebhookRedeliveryHealsPartialWrite(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	fs.failFindingUpdates = 1
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 7, State: "closed", Merged: true},
	}

	// First delivery: the change request advances but the finding write fails,
	// leaving the two records split.
	require.Error(t, r.HandleWebhook(context.Background(), event))
	assert.Equal(t, store.PRMerged, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingPRCreated, fs.findingStatus(t, finding.ID))

	// Redelivering the same event must converge the finding even though the
	// change request already reflects the merge.
	require.NoError(t, r.HandleWebhook(context.Background(), event))
	assert.Equal(t, store.PRMerged, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingResolved, fs.findingStatus(t, finding.ID))
}

func TestWebhookNeverUnignoresFinding(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingIgnored, store.PROpen)
	r := NewReconciler(fs, &fakeFetcher{}, time.Minute)

	event := &WebhookEvent{
		EventType:   EventPullRequest,
		Action:      "closed",
		PullRequest: &PullRequestPayload{Number: 7, State: "closed", Merged: false},
	}
	require.NoError(t, r.HandleWebhook(context.Background(), event))

	// The change request mirror updates, the human dismissal sticks.
	assert.Equal(t, store.PRClosed, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingIgnored, fs.findingStatus(t, finding.ID))
}

func TestPollReconcilesOpenChangeRequests(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	fetcher := &fakeFetcher{prs: map[int]*github.PullRequest{
		7: {Number: 7, State: "closed", Merged: true},
	}}
	r := NewReconciler(fs, fetcher, time.Minute)

	require.True(t, r.TryPoll(context.Background()))

	assert.Equal(t, store.PRMerged, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingResolved, fs.findingStatus(t, finding.ID))
}

func TestPollSkipsFetchFailures(t *testing.T) {
	fs := newFakeStore()
	finding, cr := seedTracked(fs, store.FindingPRCreated, store.PROpen)
	fetcher := &fakeFetcher{} // every fetch returns not-found
	r := NewReconciler(fs, fetcher, time.Minute)

	require.True(t, r.TryPoll(context.Background()))

	// Nothing changed, nothing crashed.
	assert.Equal(t, store.PROpen, fs.crStatus(t, cr.ID))
	assert.Equal(t, store.FindingPRCreated, fs.findingStatus(t, finding.ID))
}

func TestTryPollDropsOverlappingRuns(t *testing.T) {
	fs := newFakeStore()
	seedTracked(fs, store.FindingPRCreated, store.PROpen)

	block := make(chan struct{})
	fetcher := &fakeFetcher{
		prs:   map[int]*github.PullRequest{7: {Number: 7, State: "open"}},
		block: block,
	}
	r := NewReconciler(fs, fetcher, time.Minute)

	started := make(chan struct{})
	done := make(chan bool)
	go func() {
		close(started)
		done <- r.TryPoll(context.Background())
	}()

	<-started
	// Wait until the first poll is parked inside GetPR.
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls > 0
	}, time.Second, time.Millisecond)

	// The overlapping attempt must be dropped, not queued.
	assert.False(t, r.TryPoll(context.Background()))

	close(block)
	assert.True(t, <-done)

	// With the first run finished, polling works again.
	assert.True(t, r.TryPoll(context.Background()))
}
