// Package prompts renders the instructions handed to worker subprocesses.
// Templates are embedded; an override directory lets operators replace any of
// them without rebuilding.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/uesteibar/swarm/internal/forge"
)

//go:embed templates/*.md
var templateFS embed.FS

// ImplementData holds the context for the implement and resume_implement
// prompts.
type ImplementData struct {
	IssueNumber int
}

// FixReviewData holds the context for the fix_review and resume_fix_review
// prompts. Threads may be nil when only the REST fallback was available, in
// which case the worker fetches comments itself.
type FixReviewData struct {
	PRNumber int
	Owner    string
	Repo     string
	Threads  []forge.Thread
}

func RenderImplement(data ImplementData, overrideDir string) (string, error) {
	return render("templates/implement.md", data, overrideDir)
}

func RenderFixReview(data FixReviewData, overrideDir string) (string, error) {
	return render("templates/fix_review.md", data, overrideDir)
}

func RenderResumeImplement(data ImplementData, overrideDir string) (string, error) {
	return render("templates/resume_implement.md", data, overrideDir)
}

func RenderResumeFixReview(data FixReviewData, overrideDir string) (string, error) {
	return render("templates/resume_fix_review.md", data, overrideDir)
}

func render(name string, data any, overrideDir string) (string, error) {
	content, err := readTemplate(name, overrideDir)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}
	return buf.String(), nil
}

func readTemplate(name, overrideDir string) ([]byte, error) {
	if overrideDir != "" {
		override := filepath.Join(overrideDir, filepath.Base(name))
		if content, err := os.ReadFile(override); err == nil {
			return content, nil
		}
	}
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return content, nil
}
