// Package forge talks to GitHub through the authenticated gh CLI. Every call
// shells out; nothing in the supervisor holds an API client. Read failures
// are returned to callers, which log and carry on with the next poll.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/uesteibar/swarm/internal/shell"
)

const (
	ghTimeout     = 30 * time.Second
	createTimeout = 60 * time.Second
)

type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Labels []Label `json:"labels"`
}

type Label struct {
	Name string `json:"name"`
}

type Comment struct {
	Body   string `json:"body"`
	Author Author `json:"author"`
}

type Author struct {
	Login string `json:"login"`
}

// Thread is one review thread on a PR, either straight from the structural
// GraphQL query or synthesized from flat REST comments by the fallback path.
type Thread struct {
	Path     string          `json:"path"`
	Line     int             `json:"line"`
	Comments []ThreadComment `json:"comments"`
}

type ThreadComment struct {
	Body   string `json:"body"`
	Author string `json:"author"`
}

type Check struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Bucket string `json:"bucket"`
}

// Gateway wraps gh CLI invocations for one repository.
type Gateway struct {
	repo   string // owner/repo
	runner *shell.Runner
	logger *slog.Logger
}

func NewGateway(repo, token string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	var env []string
	if token != "" {
		env = []string{"GH_TOKEN=" + token}
	}
	return &Gateway{
		repo:   repo,
		runner: &shell.Runner{Env: env},
		logger: logger,
	}
}

// ListOpenIssues returns open issues carrying the given label.
func (g *Gateway) ListOpenIssues(ctx context.Context, label string) ([]Issue, error) {
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"issue", "list",
		"--repo", g.repo,
		"--label", label,
		"--state", "open",
		"--json", "number,title,labels,body",
		"--limit", "50",
	)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	return parseIssues(out)
}

// IssueComments returns all comments on an issue.
func (g *Gateway) IssueComments(ctx context.Context, number int) ([]Comment, error) {
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"issue", "view", strconv.Itoa(number),
		"--repo", g.repo,
		"--json", "comments",
	)
	if err != nil {
		return nil, fmt.Errorf("viewing issue %d: %w", number, err)
	}

	var payload struct {
		Comments []Comment `json:"comments"`
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("parsing issue %d comments: %w", number, err)
	}
	return payload.Comments, nil
}

// FindPRForBranch returns the number of a PR whose head is the given branch,
// or 0 when none exists. openOnly restricts the search to open PRs.
func (g *Gateway) FindPRForBranch(ctx context.Context, branch string, openOnly bool) int {
	args := []string{
		"pr", "list",
		"--repo", g.repo,
		"--head", branch,
		"--json", "number",
		"--limit", "1",
	}
	if openOnly {
		args = append(args, "--state", "open")
	}
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh", args...)
	if err != nil {
		g.logger.Debug("pr lookup failed", "branch", branch, "error", err)
		return 0
	}
	return parseFirstPRNumber(out)
}

// PRHeadBranch returns the head branch of a PR, or "" on failure.
func (g *Gateway) PRHeadBranch(ctx context.Context, prNumber int) string {
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"pr", "view", strconv.Itoa(prNumber),
		"--repo", g.repo,
		"--json", "headRefName",
	)
	if err != nil {
		g.logger.Debug("pr view failed", "pr", prNumber, "error", err)
		return ""
	}
	var payload struct {
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return ""
	}
	return payload.HeadRefName
}

// PRInlineComments fetches flat review comments via the REST API. gh
// --paginate concatenates one JSON array per page, so the output is decoded
// as a stream of arrays.
func (g *Gateway) PRInlineComments(ctx context.Context, prNumber int) ([]RESTComment, error) {
	owner, repo, _ := strings.Cut(g.repo, "/")
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"api", fmt.Sprintf("repos/%s/%s/pulls/%d/comments", owner, repo, prNumber),
		"--paginate",
	)
	if err != nil {
		return nil, fmt.Errorf("fetching pr %d comments: %w", prNumber, err)
	}
	return parseRESTComments(out)
}

const threadsQuery = `query($owner: String!, $repo: String!, $pr: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $pr) {
      reviewThreads(first: 100) {
        nodes {
          isResolved
          path
          line
          comments(first: 10) {
            nodes {
              body
              author { login }
            }
          }
        }
      }
    }
  }
}`

// UnresolvedThreads fetches unresolved review threads through GraphQL, the
// only API that exposes resolution state. A non-nil error tells the caller
// to fall back to the REST comment-count heuristic.
func (g *Gateway) UnresolvedThreads(ctx context.Context, prNumber int) ([]Thread, error) {
	owner, repo, _ := strings.Cut(g.repo, "/")
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"api", "graphql",
		"-f", "query="+threadsQuery,
		"-f", "owner="+owner,
		"-f", "repo="+repo,
		"-F", fmt.Sprintf("pr=%d", prNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("graphql threads query for pr %d: %w", prNumber, err)
	}
	return parseThreads(out)
}

// PRChecks returns CI check runs for a PR. gh exits non-zero when a check
// failed, so the exit code is ignored whenever output parses.
func (g *Gateway) PRChecks(ctx context.Context, prNumber int) ([]Check, error) {
	out, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"pr", "checks", strconv.Itoa(prNumber),
		"--repo", g.repo,
		"--json", "name,state,bucket",
	)
	if err != nil {
		var exitErr *shell.ExitError
		if !errors.As(err, &exitErr) || strings.TrimSpace(out) == "" {
			return nil, fmt.Errorf("fetching pr %d checks: %w", prNumber, err)
		}
	}
	return parseChecks(out)
}

// CreatePR opens a PR for a pushed branch when the worker failed to open one
// itself. Returns the new PR number parsed from the pull/N URL gh prints.
func (g *Gateway) CreatePR(ctx context.Context, branch string, issueNumber int) (int, error) {
	title := fmt.Sprintf("Fix #%d: Auto-created from agent work", issueNumber)
	body := fmt.Sprintf("Closes #%d\n\nThis PR was auto-created by the swarm orchestrator because the agent completed its work but didn't create a PR itself.", issueNumber)

	out, err := g.runner.RunTimeout(ctx, createTimeout, "gh",
		"pr", "create",
		"--repo", g.repo,
		"--head", branch,
		"--title", title,
		"--body", body,
	)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			out += exitErr.Stderr
		} else {
			return 0, fmt.Errorf("creating pr for %s: %w", branch, err)
		}
	}

	if n := parsePullURL(out); n != 0 {
		return n, nil
	}
	if err != nil {
		return 0, fmt.Errorf("creating pr for %s: %w", branch, err)
	}
	return 0, fmt.Errorf("creating pr for %s: no pull URL in output", branch)
}

// AddLabel attaches a label to an issue, typically needs-human on escalation.
func (g *Gateway) AddLabel(ctx context.Context, issueNumber int, label string) error {
	_, err := g.runner.RunTimeout(ctx, ghTimeout, "gh",
		"issue", "edit", strconv.Itoa(issueNumber),
		"--repo", g.repo,
		"--add-label", label,
	)
	if err != nil {
		return fmt.Errorf("labeling issue %d: %w", issueNumber, err)
	}
	return nil
}

type RESTComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
	User Author `json:"user"`
}

// ThreadsFromRESTComments converts flat REST comments into thread-shaped
// records so fallback review iterations persist in the same form as the
// structural path.
func ThreadsFromRESTComments(comments []RESTComment) []Thread {
	threads := make([]Thread, 0, len(comments))
	for _, c := range comments {
		path := c.Path
		if path == "" {
			path = "unknown"
		}
		author := c.User.Login
		if author == "" {
			author = "unknown"
		}
		threads = append(threads, Thread{
			Path:     path,
			Line:     c.Line,
			Comments: []ThreadComment{{Body: c.Body, Author: author}},
		})
	}
	return threads
}

func parseIssues(out string) ([]Issue, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	var issues []Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}
	return issues, nil
}

func parseFirstPRNumber(out string) int {
	if strings.TrimSpace(out) == "" {
		return 0
	}
	var prs []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil || len(prs) == 0 {
		return 0
	}
	return prs[0].Number
}

func parseRESTComments(out string) ([]RESTComment, error) {
	var all []RESTComment
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var page []RESTComment
		if err := dec.Decode(&page); err != nil {
			return nil, fmt.Errorf("parsing review comments: %w", err)
		}
		all = append(all, page...)
	}
	return all, nil
}

func parseThreads(out string) ([]Thread, error) {
	var payload struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool   `json:"isResolved"`
							Path       string `json:"path"`
							Line       int    `json:"line"`
							Comments   struct {
								Nodes []struct {
									Body   string  `json:"body"`
									Author *Author `json:"author"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("parsing graphql threads: %w", err)
	}

	unresolved := []Thread{}
	for _, node := range payload.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if node.IsResolved {
			continue
		}
		path := node.Path
		if path == "" {
			path = "unknown"
		}
		thread := Thread{Path: path, Line: node.Line}
		for _, c := range node.Comments.Nodes {
			author := "unknown"
			if c.Author != nil && c.Author.Login != "" {
				author = c.Author.Login
			}
			thread.Comments = append(thread.Comments, ThreadComment{Body: c.Body, Author: author})
		}
		unresolved = append(unresolved, thread)
	}
	return unresolved, nil
}

func parseChecks(out string) ([]Check, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	var checks []Check
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		return nil, fmt.Errorf("parsing pr checks: %w", err)
	}
	return checks, nil
}

var pullURLPattern = regexp.MustCompile(`pull/(\d+)`)

func parsePullURL(out string) int {
	match := pullURLPattern.FindStringSubmatch(out)
	if match == nil {
		return 0
	}
	n, _ := strconv.Atoi(match[1])
	return n
}
