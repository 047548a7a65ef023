package shorttag

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"
)

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), `
error-tags:
  XYZ:
    highest-index: 3
  ABC:
    highest-index: 0
`)
	// The start directory needs not exist.
	got, err := Find(filepath.Join(root, "start", "dir"))
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got != "XYZ" {
		t.Errorf("Find() = %q, want the first tag %q", got, "XYZ")
	}
}

func TestFind_StopsAtModuleRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "error-tags:\n  ABC: {}\n")
	writeFile(t, filepath.Join(root, "module", StopFile), "module example.com/m\n")

	got, err := Find(filepath.Join(root, "module", "start"))
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got != "" {
		t.Errorf("Find() = %q, want no tag beyond the module root", got)
	}
}

func TestFind_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing mapping", content: "whatever:\n  ABC:\n    highest-index: 0\n"},
		{name: "empty mapping", content: "error-tags: {}\n"},
		{name: "list instead of mapping", content: "error-tags:\n  - ABC\n"},
		{name: "not a mapping", content: "- error-tags\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, FileName), tt.content)
			_, err := Find(root)
			if !errors.Is(err, errNoTags) {
				t.Errorf("Find() error = %v, want %v", err, errNoTags)
			}
		})
	}
}

func TestFind_Malformed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "error-tags: [unterminated\n")
	if _, err := Find(root); err == nil {
		t.Error("Find() succeeded on malformed YAML")
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "error-tags:\n  FIL: {}\n")

	tests := []struct {
		name     string
		explicit string
		env      string
		want     string
	}{
		{name: "explicit", explicit: "FLG", env: "ENV", want: "FLG"},
		{name: "environment", env: "ENV", want: "ENV"},
		{name: "file", want: "FIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvVar, tt.env)
			got, err := Resolve(tt.explicit, root)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDatabaseName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name  string
		tag   string
		owner string
		want  string
	}{
		{name: "short", tag: "AB", owner: "cd", want: "1700000000AB-cd"},
		{name: "truncated", tag: "PYEX", owner: "jenkins-worker", want: "1700000000PYEX-jenki"},
		{name: "no owner", tag: "AB", want: "1700000000AB"},
		{name: "no tag", owner: "cd", want: "1700000000-cd"},
		{name: "non-ASCII owner", tag: "ABC", owner: "aüüüüüüü", want: "1700000000ABC-aüüüüü"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DatabaseName(tt.tag, tt.owner, now)
			if got != tt.want {
				t.Errorf("DatabaseName() = %q, want %q", got, tt.want)
			}
			if n := utf8.RuneCountInString(got); n > MaxDatabaseNameLength {
				t.Errorf("DatabaseName() has %d characters, want at most %d", n, MaxDatabaseNameLength)
			}
			if !utf8.ValidString(got) {
				t.Errorf("DatabaseName() = %q is not valid UTF-8", got)
			}
		})
	}
}
