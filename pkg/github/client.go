// Package github provides the hosting-service client used by the fix pipeline
// and the reconciliation service: file content, branches, commits, and pull
// requests over the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"autopatch/pkg/logx"
)

// PullRequest is the provider-neutral pull request descriptor consumed by the
// fix pipeline and reconciliation.
type PullRequest struct {
	ID       int64
	Number   int
	URL      string
	Title    string
	Body     string
	State    string // open or closed
	Merged   bool
	MergedAt *time.Time
	ClosedAt *time.Time
}

// Commit describes a file commit result.
type Commit struct {
	SHA string
}

// Client wraps the GitHub REST API.
type Client struct {
	gh     *gogithub.Client
	logger *logx.Logger
}

// NewClient creates a client authenticated with the given token.
func NewClient(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{
		gh:     gogithub.NewClient(oauth2.NewClient(ctx, ts)),
		logger: logx.NewLogger("github"),
	}
}

// NewClientWithHTTP creates a client over a caller-supplied HTTP client and
// base URL. Tests point this at an httptest server.
func NewClientWithHTTP(httpClient *http.Client, baseURL string) (*Client, error) {
	gh := gogithub.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set base URL: %w", err)
		}
	}
	return &Client{gh: gh, logger: logx.NewLogger("github")}, nil
}

// GetFileContent fetches a file's decoded content and blob SHA at the given ref.
func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, string, error) {
	file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, "", wrapErr("get file content", httpResp(resp), err)
	}
	if file == nil {
		return nil, "", &ExternalServiceError{
			Err: fmt.Errorf("path %s is a directory", path), Op: "get file content", Kind: KindTerminal,
		}
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, "", &ExternalServiceError{Err: err, Op: "get file content", Kind: KindTerminal}
	}
	return []byte(content), file.GetSHA(), nil
}

// CreateBranch creates branch name at the head of baseRef. An already-existing
// branch is not an error; the caller reuses it.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, name, baseRef string) error {
	base, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+baseRef)
	if err != nil {
		return wrapErr("get base ref", httpResp(resp), err)
	}

	_, resp, err = c.gh.Git.CreateRef(ctx, owner, repo, gogithub.CreateRef{
		Ref: "refs/heads/" + name,
		SHA: base.Object.GetSHA(),
	})
	if err != nil {
		wrapped := wrapErr("create branch", httpResp(resp), err)
		if IsConflict(wrapped) || strings.Contains(err.Error(), "already exists") {
			c.logger.Debug("branch %s already exists, reusing", name)
			return nil
		}
		return wrapped
	}
	return nil
}

// CommitFile creates or updates a file on branch. When sha is empty the file
// is created; otherwise it is updated against that prior blob SHA, and a 409
// surfaces as a distinct conflict error.
func (c *Client) CommitFile(ctx context.Context, owner, repo, path, branch, message string, content []byte, sha string) (*Commit, error) {
	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.Ptr(message),
		Content: content,
		Branch:  gogithub.Ptr(branch),
	}

	var result *gogithub.RepositoryContentResponse
	var resp *gogithub.Response
	var err error
	if sha == "" {
		result, resp, err = c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts)
	} else {
		opts.SHA = gogithub.Ptr(sha)
		result, resp, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	}
	if err != nil {
		return nil, wrapErr("commit file", httpResp(resp), err)
	}
	return &Commit{SHA: result.GetSHA()}, nil
}

// CreatePR opens a pull request from head into base.
func (c *Client) CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(title),
		Body:  gogithub.Ptr(body),
		Head:  gogithub.Ptr(head),
		Base:  gogithub.Ptr(base),
	})
	if err != nil {
		return nil, wrapErr("create pull request", httpResp(resp), err)
	}
	return convertPR(pr), nil
}

// GetPR fetches the live state of one pull request.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, wrapErr("get pull request", httpResp(resp), err)
	}
	return convertPR(pr), nil
}

// ListOpenPRsForBranch lists open pull requests whose head is the given branch.
func (c *Client) ListOpenPRsForBranch(ctx context.Context, owner, repo, branch string) ([]*PullRequest, error) {
	prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, &gogithub.PullRequestListOptions{
		State: "open",
		Head:  fmt.Sprintf("%s:%s", owner, branch),
	})
	if err != nil {
		return nil, wrapErr("list pull requests", httpResp(resp), err)
	}
	out := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, convertPR(pr))
	}
	return out, nil
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	out := &PullRequest{
		ID:     pr.GetID(),
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
	}
	if t := pr.GetMergedAt(); !t.IsZero() {
		tt := t.Time
		out.MergedAt = &tt
		// The list endpoint omits the merged flag; a merge timestamp is
		// authoritative either way.
		out.Merged = true
	}
	if t := pr.GetClosedAt(); !t.IsZero() {
		tt := t.Time
		out.ClosedAt = &tt
	}
	return out
}

func httpResp(resp *gogithub.Response) *http.Response {
	if resp == nil {
		return nil
	}
	return resp.Response
}
