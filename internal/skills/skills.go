// Package skills discovers Claude skills shipped inside the target
// repository. Workers get the Skill tool only when at least the skills flag
// is on; discovery tells the operator what is available.
package skills

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

type Skill struct {
	Name string
	Path string
}

// Discover finds every SKILL.md under .claude/skills in the repository.
// Each skill lives in its own directory; the directory name is the skill name.
func Discover(repoPath string) ([]Skill, error) {
	root := filepath.Join(repoPath, ".claude", "skills")
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}

	matches, err := doublestar.Glob(os.DirFS(root), "**/SKILL.md")
	if err != nil {
		return nil, fmt.Errorf("globbing skills: %w", err)
	}

	skills := make([]Skill, 0, len(matches))
	for _, match := range matches {
		full := filepath.Join(root, filepath.FromSlash(match))
		name := filepath.Base(filepath.Dir(full))
		if name == "skills" {
			// SKILL.md directly under .claude/skills has no directory name.
			name = "default"
		}
		skills = append(skills, Skill{Name: name, Path: full})
	}
	return skills, nil
}
