package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, repo string, parts ...string) {
	t.Helper()
	path := filepath.Join(append([]string{repo, ".claude", "skills"}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("# skill\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	repo := t.TempDir()
	writeSkill(t, repo, "deploy", "SKILL.md")
	writeSkill(t, repo, "review", "nested", "SKILL.md")
	writeSkill(t, repo, "review", "other.md") // not a skill file

	skills, err := Discover(repo)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(skills) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(skills), skills)
	}

	names := map[string]bool{}
	for _, s := range skills {
		names[s.Name] = true
		if _, err := os.Stat(s.Path); err != nil {
			t.Errorf("skill path missing: %v", err)
		}
	}
	if !names["deploy"] || !names["nested"] {
		t.Errorf("names = %v", names)
	}
}

func TestDiscover_NoSkillsDir(t *testing.T) {
	skills, err := Discover(t.TempDir())
	if err != nil || skills != nil {
		t.Errorf("Discover = %v, %v, want nil, nil", skills, err)
	}
}
