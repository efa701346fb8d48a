package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRepo(t *testing.T, st *Store) *Repository {
	t.Helper()
	repo, err := st.UpsertRepository("acme", "widgets", "main")
	require.NoError(t, err)
	return repo
}

func newFinding(repoID int64) *Finding {
	return &Finding{
		RepoID:      repoID,
		FilePath:    "cmd/server/main.go",
		Line:        42,
		Title:       "hardcoded credentials",
		Description: "the database password is embedded in source",
		Suggestion:  "read it from the environment",
		Category:    CategorySecurity,
		Severity:    SeverityCritical,
		Confidence:  0.9,
	}
}

func TestUpsertRepositoryIsIdempotent(t *testing.T) {
	st := openTestStore(t)

	first, err := st.UpsertRepository("acme", "widgets", "main")
	require.NoError(t, err)
	second, err := st.UpsertRepository("acme", "widgets", "develop")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "develop", second.DefaultBranch)
	assert.Equal(t, RepoPending, second.AnalysisStatus)
}

func TestUpsertRepositoryDefaultBranchFallback(t *testing.T) {
	st := openTestStore(t)
	repo, err := st.UpsertRepository("acme", "gadgets", "")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)
}

func TestGetRepositoryNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetRepository(12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateFindingAndFetch(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)

	created, isNew, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, FindingDetected, created.Status)
	assert.Zero(t, created.FixAttempts)

	got, err := st.GetFinding(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "hardcoded credentials", got.Title)
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.InDelta(t, 0.9, got.Confidence, 0.0001)
}

func TestCreateFindingDeduplicatesActive(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)

	first, isNew, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)
	require.True(t, isNew)

	// Same repo, path, and title: the original comes back instead of a new row.
	dup, isNew, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, dup.ID)

	total, critical, err := st.CountFindings(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, critical)
}

func TestCreateFindingAllowsRedetectionAfterResolution(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)

	first, _, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)
	require.NoError(t, st.UpdateFindingStatus(first.ID, FindingResolved, ""))

	// A resolved finding no longer blocks re-detection of the same defect.
	second, isNew, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateFindingScopesDedupeToRepository(t *testing.T) {
	st := openTestStore(t)
	repoA := seedRepo(t, st)
	repoB, err := st.UpsertRepository("acme", "gadgets", "main")
	require.NoError(t, err)

	_, isNew, err := st.CreateFinding(newFinding(repoA.ID))
	require.NoError(t, err)
	require.True(t, isNew)

	_, isNew, err = st.CreateFinding(newFinding(repoB.ID))
	require.NoError(t, err)
	assert.True(t, isNew, "identical finding in another repository is not a duplicate")
}

func TestUpdateFindingStatusRejectsUnknownStatus(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)
	created, _, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)

	require.Error(t, st.UpdateFindingStatus(created.ID, "vanished", ""))
}

func TestMarkFindingFixingClaimsOnce(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)
	created, _, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)

	require.NoError(t, st.MarkFindingFixing(created.ID))

	claimed, err := st.GetFinding(created.ID)
	require.NoError(t, err)
	assert.Equal(t, FindingFixGenerated, claimed.Status)
	assert.Equal(t, 1, claimed.FixAttempts)

	// Second claim fails: the finding is no longer detected.
	require.ErrorIs(t, st.MarkFindingFixing(created.ID), ErrNotFound)
}

func TestMarkFindingFixingIncrementsAttempts(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)
	created, _, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)

	require.NoError(t, st.MarkFindingFixing(created.ID))
	require.NoError(t, st.UpdateFindingStatus(created.ID, FindingDetected, "branch creation failed"))
	require.NoError(t, st.MarkFindingFixing(created.ID))

	got, err := st.GetFinding(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FixAttempts)
	assert.Empty(t, got.LastError, "a fresh claim clears the previous failure")
}

func TestChangeRequestLifecycle(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)
	finding, _, err := st.CreateFinding(newFinding(repo.ID))
	require.NoError(t, err)

	cr, err := st.CreateChangeRequest(&ChangeRequest{
		FindingID: finding.ID,
		Number:    7,
		Branch:    "autopatch/fix-1",
		Title:     "fix: hardcoded credentials",
		Body:      "details",
		URL:       "https://example.com/pull/7",
		RiskLevel: RiskLevelFor(finding.Severity),
	})
	require.NoError(t, err)
	assert.Equal(t, PROpen, cr.Status)
	assert.Equal(t, "high", cr.RiskLevel)

	byNumber, err := st.GetChangeRequestByNumber(7)
	require.NoError(t, err)
	assert.Equal(t, cr.ID, byNumber.ID)

	open, err := st.ListOpenChangeRequests()
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, st.UpdateChangeRequestStatus(cr.ID, PRMerged))
	open, err = st.ListOpenChangeRequests()
	require.NoError(t, err)
	assert.Empty(t, open)

	require.Error(t, st.UpdateChangeRequestStatus(cr.ID, "reverted"))
}

func TestUpdateRepositoryStatusAndCounters(t *testing.T) {
	st := openTestStore(t)
	repo := seedRepo(t, st)

	require.NoError(t, st.UpdateRepositoryStatus(repo.ID, RepoAnalyzing, 0, 0))
	require.NoError(t, st.UpdateRepositoryStatus(repo.ID, RepoCompleted, 12, 3))

	got, err := st.GetRepository(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, RepoCompleted, got.AnalysisStatus)
	assert.Equal(t, 12, got.TotalFindings)
	assert.Equal(t, 3, got.CriticalFindings)
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, NormalizeSeverity("CRITICAL"))
	assert.Equal(t, SeverityMedium, NormalizeSeverity("medium"))
	assert.Equal(t, SeverityMedium, NormalizeSeverity("catastrophic"))
	assert.Equal(t, SeverityMedium, NormalizeSeverity(""))
}

func TestRiskLevelFor(t *testing.T) {
	assert.Equal(t, "high", RiskLevelFor(SeverityCritical))
	assert.Equal(t, "high", RiskLevelFor(SeverityHigh))
	assert.Equal(t, "medium", RiskLevelFor(SeverityMedium))
	assert.Equal(t, "low", RiskLevelFor(SeverityLow))
	assert.Equal(t, "low", RiskLevelFor(SeverityInfo))
}
