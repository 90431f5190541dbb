package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/cexll/inspector/internal/streak"
)

const issueLabel = "anomaly-streak"

// GitHubIssueSink opens an issue in Repo for every alert, so that a streak
// lands in the same tracker the line engineers already triage.
type GitHubIssueSink struct {
	owner  string
	repo   string
	client *github.Client
}

// NewGitHubIssueSink targets "owner/name". baseURL overrides the API endpoint (GitHub Enterprise or tests).
func NewGitHubIssueSink(fullRepo, token, baseURL string) (*GitHubIssueSink, error) {
	owner, name, ok := strings.Cut(fullRepo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository %q, expected owner/name", fullRepo)
	}

	client := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHubIssueSink{owner: owner, repo: name, client: client}, nil
}

func (s *GitHubIssueSink) Name() string { return "github" }

func (s *GitHubIssueSink) Notify(ctx context.Context, a *streak.Alert) error {
	title := fmt.Sprintf("%d consecutive anomalies detected at %s", a.Count, a.RaisedAt.Format(time.DateTime))
	_, _, err := s.client.Issues.Create(ctx, s.owner, s.repo, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(issueBody(a)),
		Labels: &[]string{issueLabel},
	})
	if err != nil {
		return fmt.Errorf("create alert issue in %s/%s: %w", s.owner, s.repo, err)
	}
	return nil
}

func issueBody(a *streak.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The batch watcher saw **%d** anomalous results in a row.\n\n", a.Count)
	if a.RecordPath != "" {
		fmt.Fprintf(&b, "Record: `%s`\n\n", a.RecordPath)
	}
	b.WriteString("| # | Image | Process ID | Processed |\n|---|---|---|---|\n")
	for i, img := range a.Images {
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s |\n", i+1, filepath.Base(img.FilePath), img.ProcessID, img.ProcessedTime)
	}
	return b.String()
}
