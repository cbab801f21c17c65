package forge

import (
	"testing"
)

func TestParseIssues(t *testing.T) {
	out := `[{"number":12,"title":"Fix crash","body":"stack trace","labels":[{"name":"agent"},{"name":"bug"}]},{"number":13,"title":"Add flag","body":"","labels":[{"name":"agent"}]}]`
	issues, err := parseIssues(out)
	if err != nil {
		t.Fatalf("parseIssues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("len = %d, want 2", len(issues))
	}
	if issues[0].Number != 12 || issues[0].Title != "Fix crash" {
		t.Errorf("issues[0] = %+v", issues[0])
	}
	if len(issues[0].Labels) != 2 || issues[0].Labels[1].Name != "bug" {
		t.Errorf("labels = %+v", issues[0].Labels)
	}
}

func TestParseIssues_Empty(t *testing.T) {
	issues, err := parseIssues("  \n")
	if err != nil || issues != nil {
		t.Errorf("parseIssues empty = %v, %v", issues, err)
	}
}

func TestParseFirstPRNumber(t *testing.T) {
	tests := []struct {
		out  string
		want int
	}{
		{`[{"number":88}]`, 88},
		{`[]`, 0},
		{``, 0},
		{`garbage`, 0},
	}
	for _, tt := range tests {
		if got := parseFirstPRNumber(tt.out); got != tt.want {
			t.Errorf("parseFirstPRNumber(%q) = %d, want %d", tt.out, got, tt.want)
		}
	}
}

func TestParseThreads_FiltersResolved(t *testing.T) {
	out := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[
		{"isResolved":true,"path":"a.go","line":3,"comments":{"nodes":[{"body":"done","author":{"login":"alice"}}]}},
		{"isResolved":false,"path":"b.go","line":10,"comments":{"nodes":[{"body":"rename this","author":{"login":"bob"}},{"body":"agreed","author":null}]}}
	]}}}}}`

	threads, err := parseThreads(out)
	if err != nil {
		t.Fatalf("parseThreads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("len = %d, want 1", len(threads))
	}
	th := threads[0]
	if th.Path != "b.go" || th.Line != 10 {
		t.Errorf("thread = %+v", th)
	}
	if len(th.Comments) != 2 {
		t.Fatalf("comments = %+v", th.Comments)
	}
	if th.Comments[0].Author != "bob" {
		t.Errorf("author = %q", th.Comments[0].Author)
	}
	if th.Comments[1].Author != "unknown" {
		t.Errorf("nil author = %q, want unknown", th.Comments[1].Author)
	}
}

func TestParseThreads_AllResolvedReturnsEmptyNotNil(t *testing.T) {
	out := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[
		{"isResolved":true,"path":"a.go","line":1,"comments":{"nodes":[]}}
	]}}}}}`
	threads, err := parseThreads(out)
	if err != nil {
		t.Fatalf("parseThreads: %v", err)
	}
	if threads == nil || len(threads) != 0 {
		t.Errorf("threads = %#v, want empty non-nil slice", threads)
	}
}

func TestParseThreads_Garbage(t *testing.T) {
	if _, err := parseThreads("not json"); err == nil {
		t.Error("expected error for malformed graphql output")
	}
}

func TestParseRESTComments_PaginatedArrays(t *testing.T) {
	// gh --paginate emits one JSON array per page back to back.
	out := `[{"path":"x.go","line":4,"body":"first","user":{"login":"carol"}}][{"path":"y.go","line":9,"body":"second","user":{"login":"dan"}}]`
	comments, err := parseRESTComments(out)
	if err != nil {
		t.Fatalf("parseRESTComments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("len = %d, want 2", len(comments))
	}
	if comments[1].Path != "y.go" || comments[1].User.Login != "dan" {
		t.Errorf("comments[1] = %+v", comments[1])
	}
}

func TestThreadsFromRESTComments(t *testing.T) {
	comments := []RESTComment{
		{Path: "x.go", Line: 4, Body: "needs a nil check", User: Author{Login: "carol"}},
		{Body: "orphan comment"},
	}
	threads := ThreadsFromRESTComments(comments)
	if len(threads) != 2 {
		t.Fatalf("len = %d, want 2", len(threads))
	}
	if threads[0].Path != "x.go" || threads[0].Comments[0].Author != "carol" {
		t.Errorf("threads[0] = %+v", threads[0])
	}
	if threads[1].Path != "unknown" || threads[1].Comments[0].Author != "unknown" {
		t.Errorf("threads[1] = %+v", threads[1])
	}
}

func TestParseChecks(t *testing.T) {
	out := `[{"name":"build","state":"SUCCESS","bucket":"pass"},{"name":"lint","state":"FAILURE","bucket":"fail"}]`
	checks, err := parseChecks(out)
	if err != nil {
		t.Fatalf("parseChecks: %v", err)
	}
	if len(checks) != 2 || checks[1].Bucket != "fail" {
		t.Errorf("checks = %+v", checks)
	}

	empty, err := parseChecks("")
	if err != nil || empty != nil {
		t.Errorf("empty checks = %v, %v", empty, err)
	}
}

func TestParsePullURL(t *testing.T) {
	tests := []struct {
		out  string
		want int
	}{
		{"https://github.com/acme/widgets/pull/101\n", 101},
		{"Creating pull request for fix/issue-3 into main\nhttps://github.com/acme/widgets/pull/7", 7},
		{"no url here", 0},
	}
	for _, tt := range tests {
		if got := parsePullURL(tt.out); got != tt.want {
			t.Errorf("parsePullURL(%q) = %d, want %d", tt.out, got, tt.want)
		}
	}
}
