package filesystem

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	inside := filepath.Join(root, "file.txt")
	if err := os.WriteFile(inside, []byte("content"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	t.Run("inside root", func(t *testing.T) {
		got, err := validatePath(inside, []string{root})
		if err != nil {
			t.Fatalf("failed to validate path: %v", err)
		}
		if got == "" {
			t.Error("expected a resolved path")
		}
	})

	t.Run("outside root", func(t *testing.T) {
		_, err := validatePath(filepath.Join(outside, "file.txt"), []string{root})
		if err == nil {
			t.Fatal("expected error for path outside root")
		}
		if !strings.Contains(err.Error(), "access denied") {
			t.Errorf("got %v, want an access denied error", err)
		}
	})

	t.Run("parent escape", func(t *testing.T) {
		if _, err := validatePath(filepath.Join(root, "..", "escape.txt"), []string{root}); err == nil {
			t.Error("expected error for parent directory escape")
		}
	})

	t.Run("new file with valid parent", func(t *testing.T) {
		got, err := validatePath(filepath.Join(root, "new.txt"), []string{root})
		if err != nil {
			t.Fatalf("failed to validate new file path: %v", err)
		}
		if filepath.Dir(got) == "" {
			t.Error("expected a resolved path for the new file")
		}
	})

	t.Run("new file with missing parent", func(t *testing.T) {
		if _, err := validatePath(filepath.Join(root, "missing", "new.txt"), []string{root}); err == nil {
			t.Error("expected error for missing parent directory")
		}
	})

	t.Run("symlink escaping root", func(t *testing.T) {
		target := filepath.Join(outside, "secret.txt")
		if err := os.WriteFile(target, []byte("secret"), 0600); err != nil {
			t.Fatalf("failed to write target: %v", err)
		}
		link := filepath.Join(root, "link.txt")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}

		if _, err := validatePath(link, []string{root}); err == nil {
			t.Error("expected error for symlink escaping the root")
		}
	})
}

func TestApplyEdits(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		got, err := applyEdits("hello world\n", []EditOperation{
			{OldText: "world", NewText: "go"},
		})
		if err != nil {
			t.Fatalf("failed to apply edits: %v", err)
		}
		if got != "hello go\n" {
			t.Errorf("got %q, want %q", got, "hello go\n")
		}
	})

	t.Run("sequential edits", func(t *testing.T) {
		got, err := applyEdits("a b c", []EditOperation{
			{OldText: "a", NewText: "x"},
			{OldText: "c", NewText: "z"},
		})
		if err != nil {
			t.Fatalf("failed to apply edits: %v", err)
		}
		if got != "x b z" {
			t.Errorf("got %q, want %q", got, "x b z")
		}
	})

	t.Run("whitespace insensitive keeps indentation", func(t *testing.T) {
		content := "func main() {\n\tfmt.Println(\"old\")\n}\n"
		got, err := applyEdits(content, []EditOperation{
			{OldText: "fmt.Println(\"old\")", NewText: "fmt.Println(\"new\")"},
		})
		if err != nil {
			t.Fatalf("failed to apply edits: %v", err)
		}
		if !strings.Contains(got, "\tfmt.Println(\"new\")") {
			t.Errorf("got %q, want the original tab indentation kept", got)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if _, err := applyEdits("hello", []EditOperation{
			{OldText: "absent", NewText: "x"},
		}); err == nil {
			t.Error("expected error for unmatched edit")
		}
	})

	t.Run("crlf normalized", func(t *testing.T) {
		got, err := applyEdits("one\r\ntwo\r\n", []EditOperation{
			{OldText: "two", NewText: "2"},
		})
		if err != nil {
			t.Fatalf("failed to apply edits: %v", err)
		}
		if got != "one\n2\n" {
			t.Errorf("got %q, want %q", got, "one\n2\n")
		}
	})
}

func TestApplyFileEditsDryRun(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	if err := os.WriteFile(path, []byte("before\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	diff, err := applyFileEdits(path, []EditOperation{
		{OldText: "before", NewText: "after"},
	}, true)
	if err != nil {
		t.Fatalf("failed to apply edits: %v", err)
	}

	if !strings.Contains(diff, "(original)") || !strings.Contains(diff, "(modified)") {
		t.Errorf("got diff %q, want unified diff headers", diff)
	}

	// Dry run leaves the file alone.
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(content) != "before\n" {
		t.Errorf("got %q, want the file untouched", content)
	}

	// A real run applies the change.
	if _, err := applyFileEdits(path, []EditOperation{
		{OldText: "before", NewText: "after"},
	}, false); err != nil {
		t.Fatalf("failed to apply edits: %v", err)
	}
	content, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(content) != "after\n" {
		t.Errorf("got %q, want %q", content, "after\n")
	}
}

func TestSearchFiles(t *testing.T) {
	root := t.TempDir()

	files := []string{
		"report.txt",
		"notes/Report-draft.md",
		"notes/other.md",
		"node_modules/report.js",
	}
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			t.Fatalf("failed to create directory: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	t.Run("case insensitive match", func(t *testing.T) {
		results, err := searchFiles(root, "report", []string{root}, nil)
		if err != nil {
			t.Fatalf("failed to search: %v", err)
		}
		if len(results) != 3 {
			t.Errorf("got %d results %v, want 3", len(results), results)
		}
	})

	t.Run("exclude pattern", func(t *testing.T) {
		results, err := searchFiles(root, "report", []string{root}, []string{"node_modules"})
		if err != nil {
			t.Fatalf("failed to search: %v", err)
		}
		for _, r := range results {
			if strings.Contains(r, "node_modules") {
				t.Errorf("result %s should have been excluded", r)
			}
		}
		want := []string{
			filepath.Join(root, "notes", "Report-draft.md"),
			filepath.Join(root, "report.txt"),
		}
		slices.Sort(results)
		if !slices.Equal(results, want) {
			t.Errorf("got %v, want %v", results, want)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		results, err := searchFiles(root, "zzz", []string{root}, nil)
		if err != nil {
			t.Fatalf("failed to search: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("got %v, want no results", results)
		}
	})
}

func TestCreateUnifiedDiff(t *testing.T) {
	diff := createUnifiedDiff("a\nb\n", "a\nc\n", "file.txt")

	if !strings.HasPrefix(diff, "--- file.txt (original)\n+++ file.txt (modified)\n") {
		t.Errorf("got %q, want git-style headers", diff)
	}
	if !strings.Contains(diff, "b") || !strings.Contains(diff, "c") {
		t.Errorf("got %q, want both sides of the change", diff)
	}
}
