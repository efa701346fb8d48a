package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// UpsertRepository inserts or refreshes a tracked repository and returns it.
func (s *Store) UpsertRepository(owner, name, defaultBranch string) (*Repository, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	_, err := s.db.Exec(`
		INSERT INTO repositories (owner, name, default_branch)
		VALUES (?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET
			default_branch = excluded.default_branch,
			updated_at = CURRENT_TIMESTAMP
	`, owner, name, defaultBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository %s/%s: %w", owner, name, err)
	}
	return s.GetRepositoryByName(owner, name)
}

// GetRepository fetches a repository by id.
func (s *Store) GetRepository(id int64) (*Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, name, default_branch, analysis_status,
		       total_findings, critical_findings, created_at, updated_at
		FROM repositories WHERE id = ?
	`, id)
	return scanRepository(row)
}

// GetRepositoryByName fetches a repository by owner and name.
func (s *Store) GetRepositoryByName(owner, name string) (*Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, name, default_branch, analysis_status,
		       total_findings, critical_findings, created_at, updated_at
		FROM repositories WHERE owner = ? AND name = ?
	`, owner, name)
	return scanRepository(row)
}

// UpdateRepositoryStatus sets the analysis status and, when the run is over,
// the aggregate finding counters.
func (s *Store) UpdateRepositoryStatus(id int64, status string, totalFindings, criticalFindings int) error {
	_, err := s.db.Exec(`
		UPDATE repositories
		SET analysis_status = ?, total_findings = ?, critical_findings = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, totalFindings, criticalFindings, id)
	if err != nil {
		return fmt.Errorf("failed to update repository %d status: %w", id, err)
	}
	return nil
}

// CreateFinding persists a new finding unless an active duplicate exists for
// the same (repository, file path, title). It returns the persisted finding
// and true, or the existing duplicate and false.
func (s *Store) CreateFinding(f *Finding) (*Finding, bool, error) {
	existing, err := s.findActiveDuplicate(f.RepoID, f.FilePath, f.Title)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	res, err := s.db.Exec(`
		INSERT INTO findings (repo_id, file_path, line, title, description, suggestion,
		                      excerpt, category, severity, confidence, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.RepoID, f.FilePath, f.Line, f.Title, f.Description, f.Suggestion,
		f.Excerpt, f.Category, f.Severity, f.Confidence, FindingDetected)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create finding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read finding id: %w", err)
	}
	created, err := s.GetFinding(id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Store) findActiveDuplicate(repoID int64, filePath, title string) (*Finding, error) {
	row := s.db.QueryRow(`
		SELECT id, repo_id, file_path, line, title, description, suggestion, excerpt,
		       category, severity, confidence, status, fix_attempts, last_error,
		       created_at, updated_at
		FROM findings
		WHERE repo_id = ? AND file_path = ? AND title = ?
		  AND status NOT IN (?, ?)
		LIMIT 1
	`, repoID, filePath, title, FindingResolved, FindingIgnored)
	return scanFinding(row)
}

// GetFinding fetches a finding by id.
func (s *Store) GetFinding(id int64) (*Finding, error) {
	row := s.db.QueryRow(`
		SELECT id, repo_id, file_path, line, title, description, suggestion, excerpt,
		       category, severity, confidence, status, fix_attempts, last_error,
		       created_at, updated_at
		FROM findings WHERE id = ?
	`, id)
	return scanFinding(row)
}

// UpdateFindingStatus transitions a finding's status, optionally recording a
// failure reason. Callers validate the transition; the store only rejects
// values outside the closed enumeration.
func (s *Store) UpdateFindingStatus(id int64, status, lastError string) error {
	if !ValidFindingStatus(status) {
		return fmt.Errorf("invalid finding status %q", status)
	}
	_, err := s.db.Exec(`
		UPDATE findings SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update finding %d status: %w", id, err)
	}
	return nil
}

// MarkFindingFixing durably advances a finding to fix_generated and bumps the
// attempt counter in one statement, but only from detected. Returns
// ErrNotFound when the finding was not in detected (the caller maps this to
// its precondition error).
func (s *Store) MarkFindingFixing(id int64) error {
	res, err := s.db.Exec(`
		UPDATE findings
		SET status = ?, fix_attempts = fix_attempts + 1, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, FindingFixGenerated, id, FindingDetected)
	if err != nil {
		return fmt.Errorf("failed to mark finding %d fixing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFindings returns total and critical counts for a repository.
func (s *Store) CountFindings(repoID int64) (total, critical int, err error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN severity = ? THEN 1 ELSE 0 END), 0)
		FROM findings WHERE repo_id = ?
	`, SeverityCritical, repoID)
	if err := row.Scan(&total, &critical); err != nil {
		return 0, 0, fmt.Errorf("failed to count findings: %w", err)
	}
	return total, critical, nil
}

// CreateChangeRequest persists a change-request record.
func (s *Store) CreateChangeRequest(cr *ChangeRequest) (*ChangeRequest, error) {
	res, err := s.db.Exec(`
		INSERT INTO change_requests (finding_id, number, branch, title, body, url, status, risk_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cr.FindingID, cr.Number, cr.Branch, cr.Title, cr.Body, cr.URL, PROpen, cr.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create change request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read change request id: %w", err)
	}
	return s.GetChangeRequest(id)
}

// GetChangeRequest fetches a change request by id.
func (s *Store) GetChangeRequest(id int64) (*ChangeRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, finding_id, number, branch, title, body, url, status, risk_level, created_at, updated_at
		FROM change_requests WHERE id = ?
	`, id)
	return scanChangeRequest(row)
}

// GetChangeRequestByNumber fetches a change request by hosting-service PR number.
func (s *Store) GetChangeRequestByNumber(number int) (*ChangeRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, finding_id, number, branch, title, body, url, status, risk_level, created_at, updated_at
		FROM change_requests WHERE number = ?
	`, number)
	return scanChangeRequest(row)
}

// ListOpenChangeRequests returns every change request still marked open.
func (s *Store) ListOpenChangeRequests() ([]*ChangeRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, finding_id, number, branch, title, body, url, status, risk_level, created_at, updated_at
		FROM change_requests WHERE status = ? ORDER BY id
	`, PROpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list open change requests: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change requests: %w", err)
	}
	return out, nil
}

// UpdateChangeRequestStatus sets the mirrored PR status. This is the only
// mutation permitted after creation; both the webhook path and the polling
// path go through it.
func (s *Store) UpdateChangeRequestStatus(id int64, status string) error {
	if !ValidPRStatus(status) {
		return fmt.Errorf("invalid change request status %q", status)
	}
	_, err := s.db.Exec(`
		UPDATE change_requests SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update change request %d status: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*Repository, error) {
	var r Repository
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.AnalysisStatus,
		&r.TotalFindings, &r.CriticalFindings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	r.CreatedAt = parseTimestamp(createdAt)
	r.UpdatedAt = parseTimestamp(updatedAt)
	return &r, nil
}

func scanFinding(row rowScanner) (*Finding, error) {
	var f Finding
	var createdAt, updatedAt string
	err := row.Scan(&f.ID, &f.RepoID, &f.FilePath, &f.Line, &f.Title, &f.Description,
		&f.Suggestion, &f.Excerpt, &f.Category, &f.Severity, &f.Confidence,
		&f.Status, &f.FixAttempts, &f.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan finding: %w", err)
	}
	f.CreatedAt = parseTimestamp(createdAt)
	f.UpdatedAt = parseTimestamp(updatedAt)
	return &f, nil
}

func scanChangeRequest(row rowScanner) (*ChangeRequest, error) {
	var cr ChangeRequest
	var createdAt, updatedAt string
	err := row.Scan(&cr.ID, &cr.FindingID, &cr.Number, &cr.Branch, &cr.Title, &cr.Body,
		&cr.URL, &cr.Status, &cr.RiskLevel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan change request: %w", err)
	}
	cr.CreatedAt = parseTimestamp(createdAt)
	cr.UpdatedAt = parseTimestamp(updatedAt)
	return &cr, nil
}

func scanChangeRequestRows(rows *sql.Rows) (*ChangeRequest, error) {
	return scanChangeRequest(rows)
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
