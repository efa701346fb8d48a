package store

import (
	"fmt"
	"time"
)

// Finding lifecycle statuses. Transitions are owned by pkg/lifecycle; the
// store only persists them.
const (
	FindingDetected     = "detected"
	FindingFixGenerated = "fix_generated"
	FindingPRCreated    = "pr_created"
	FindingResolved     = "resolved"
	FindingIgnored      = "ignored"
)

// Change request statuses, mirroring the hosting-service pull request state.
const (
	PROpen   = "open"
	PRClosed = "closed"
	PRMerged = "merged"
)

// Repository analysis statuses.
const (
	RepoPending   = "pending"
	RepoAnalyzing = "analyzing"
	RepoCompleted = "completed"
	RepoFailed    = "failed"
)

// Finding severities, highest first.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Finding categories.
const (
	CategorySecurity    = "security"
	CategoryBug         = "bug"
	CategoryPerformance = "performance"
	CategoryQuality     = "quality"
)

// Repository is a tracked analysis target.
type Repository struct {
	ID               int64
	Owner            string
	Name             string
	DefaultBranch    string
	AnalysisStatus   string
	TotalFindings    int
	CriticalFindings int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FullName returns the owner/name path.
func (r *Repository) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Finding is a candidate defect detected in a repository file. Findings are
// never deleted; dismissal is a status transition.
type Finding struct {
	ID          int64
	RepoID      int64
	FilePath    string
	Line        int // 0 when the model did not pin a line
	Title       string
	Description string
	Suggestion  string
	Excerpt     string
	Category    string
	Severity    string
	Confidence  float64 // [0,1]
	Status      string
	FixAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the finding still participates in dedup and fixing.
func (f *Finding) Active() bool {
	return f.Status != FindingResolved && f.Status != FindingIgnored
}

// ChangeRequest mirrors one hosting-service pull request. Created once by the
// fix pipeline; afterwards only Status may change, via reconciliation.
type ChangeRequest struct {
	ID        int64
	FindingID int64
	Number    int // hosting-service PR number
	Branch    string
	Title     string
	Body      string
	URL       string
	Status    string
	RiskLevel string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidFindingStatus reports whether s is one of the closed finding statuses.
func ValidFindingStatus(s string) bool {
	switch s {
	case FindingDetected, FindingFixGenerated, FindingPRCreated, FindingResolved, FindingIgnored:
		return true
	}
	return false
}

// ValidPRStatus reports whether s is one of the closed change-request statuses.
func ValidPRStatus(s string) bool {
	switch s {
	case PROpen, PRClosed, PRMerged:
		return true
	}
	return false
}

// NormalizeSeverity maps free-form model severities onto the closed set,
// defaulting unknown values to MEDIUM.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return s
	}
	return SeverityMedium
}

// RiskLevelFor derives a change-request risk level from the originating
// finding's severity.
func RiskLevelFor(severity string) string {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}
