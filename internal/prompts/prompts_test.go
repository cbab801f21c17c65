package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uesteibar/swarm/internal/forge"
)

func TestRenderImplement(t *testing.T) {
	out, err := RenderImplement(ImplementData{IssueNumber: 42}, "")
	if err != nil {
		t.Fatalf("RenderImplement: %v", err)
	}
	for _, want := range []string{
		"issue #42",
		"gh issue view 42",
		"git push -u origin fix/issue-42",
		"AGENT.md",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRenderFixReview_WithThreads(t *testing.T) {
	data := FixReviewData{
		PRNumber: 9,
		Owner:    "acme",
		Repo:     "widgets",
		Threads: []forge.Thread{
			{
				Path: "internal/api/server.go",
				Line: 55,
				Comments: []forge.ThreadComment{
					{Author: "alice", Body: "this leaks the connection"},
				},
			},
		},
	}
	out, err := RenderFixReview(data, "")
	if err != nil {
		t.Fatalf("RenderFixReview: %v", err)
	}
	for _, want := range []string{
		"PR #9",
		"repos/acme/widgets/pulls/9/comments",
		"internal/api/server.go (line 55)",
		"alice: this leaks the connection",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q in:\n%s", want, out)
		}
	}
}

func TestRenderFixReview_NoThreads(t *testing.T) {
	out, err := RenderFixReview(FixReviewData{PRNumber: 4, Owner: "acme", Repo: "widgets"}, "")
	if err != nil {
		t.Fatalf("RenderFixReview: %v", err)
	}
	if strings.Contains(out, "Unresolved review threads") {
		t.Error("threads section rendered for nil threads")
	}
}

func TestRenderResumePrompts(t *testing.T) {
	impl, err := RenderResumeImplement(ImplementData{IssueNumber: 3}, "")
	if err != nil {
		t.Fatalf("RenderResumeImplement: %v", err)
	}
	if !strings.Contains(impl, "interrupted by a usage limit") || !strings.Contains(impl, "issue #3") {
		t.Errorf("resume implement prompt wrong:\n%s", impl)
	}

	fix, err := RenderResumeFixReview(FixReviewData{PRNumber: 8}, "")
	if err != nil {
		t.Fatalf("RenderResumeFixReview: %v", err)
	}
	if !strings.Contains(fix, "PR #8") {
		t.Errorf("resume fix prompt wrong:\n%s", fix)
	}
}

func TestRender_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	custom := "Custom instructions for issue #{{.IssueNumber}}"
	if err := os.WriteFile(filepath.Join(dir, "implement.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := RenderImplement(ImplementData{IssueNumber: 5}, dir)
	if err != nil {
		t.Fatalf("RenderImplement with override: %v", err)
	}
	if out != "Custom instructions for issue #5" {
		t.Errorf("out = %q", out)
	}
}
