package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// validatePath resolves requestedPath and rejects anything that escapes the
// allowed roots, symlink targets included. New files are allowed as long as
// their parent directory resolves inside a root.
func validatePath(requestedPath string, roots []string) (string, error) {
	absolute, err := filepath.Abs(filepath.FromSlash(requestedPath))
	if err != nil {
		return "", err
	}

	normalized := filepath.Clean(absolute)
	if !underAnyRoot(normalized, roots) {
		return "", fmt.Errorf("access denied - path %s outside allowed directories %s",
			requestedPath, strings.Join(roots, ", "))
	}

	realPath, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		// The file doesn't exist yet, so the parent has to pass instead.
		parentDir := filepath.Dir(absolute)
		realParent, err := filepath.EvalSymlinks(parentDir)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("access denied - parent directory %s does not exist", parentDir)
			}
			return "", err
		}
		if !underAnyRoot(filepath.Clean(realParent), roots) {
			return "", fmt.Errorf("access denied - parent directory %s outside allowed directories %s",
				parentDir, strings.Join(roots, ", "))
		}

		return absolute, nil
	}

	if !underAnyRoot(filepath.Clean(realPath), roots) {
		return "", fmt.Errorf("access denied - real path %s outside allowed directories %s",
			realPath, strings.Join(roots, ", "))
	}

	return realPath, nil
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		if isSubpath(path, root) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// createUnifiedDiff renders the change between two contents in a git-style
// unified format.
func createUnifiedDiff(originalContent, newContent, path string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(normalizeLineEndings(originalContent), normalizeLineEndings(newContent), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	fmt.Fprintf(&diff, "--- %s (original)\n", path)
	fmt.Fprintf(&diff, "+++ %s (modified)\n", path)
	diff.WriteString(dmp.PatchToText(patches))

	return diff.String()
}

// applyFileEdits applies the edits to the file and returns the unified diff.
// With dryRun set the file is left untouched.
func applyFileEdits(filePath string, edits []EditOperation, dryRun bool) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	modified, err := applyEdits(string(content), edits)
	if err != nil {
		return "", err
	}

	diff := createUnifiedDiff(string(content), modified, filePath)

	if !dryRun {
		if err := os.WriteFile(filePath, []byte(modified), 0600); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
	}

	return diff, nil
}

// applyEdits replaces each edit's old text with its new text, preferring an
// exact substring match and falling back to a whitespace-insensitive
// line-block match that preserves the original indentation.
func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)

	for _, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		newText := normalizeLineEndings(edit.NewText)

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		replaced, found := replaceLineBlock(modified, oldText, newText)
		if !found {
			return "", fmt.Errorf("could not find exact match for edit:\n%s", edit.OldText)
		}
		modified = replaced
	}

	return modified, nil
}

func replaceLineBlock(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")

	for i := 0; i <= len(contentLines)-len(oldLines); i++ {
		if !linesMatch(contentLines[i:i+len(oldLines)], oldLines) {
			continue
		}

		indent := leadingWhitespace(contentLines[i])
		newLines := strings.Split(newText, "\n")
		for j, line := range newLines {
			newLines[j] = indent + strings.TrimLeft(line, " \t")
		}

		result := make([]string, 0, len(contentLines)-len(oldLines)+len(newLines))
		result = append(result, contentLines[:i]...)
		result = append(result, newLines...)
		result = append(result, contentLines[i+len(oldLines):]...)

		return strings.Join(result, "\n"), true
	}

	return content, false
}

func linesMatch(block, oldLines []string) bool {
	for j, oldLine := range oldLines {
		if strings.TrimSpace(oldLine) != strings.TrimSpace(block[j]) {
			return false
		}
	}
	return true
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// searchFiles walks startPath collecting entries whose name contains the
// pattern, case-insensitively. Exclude patterns are globs matched against
// the path relative to startPath.
func searchFiles(startPath, pattern string, roots, excludePatterns []string) ([]string, error) {
	compiled := make([]glob.Glob, 0, len(excludePatterns))
	for _, p := range excludePatterns {
		// A bare name excludes that entry anywhere in the tree, alone or as a
		// path segment.
		if !strings.Contains(p, "*") {
			p = "{**/,}" + p + "{,/**}"
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("failed to compile exclude pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}

	searchPattern := strings.ToLower(pattern)

	var results []string
	var walk func(currentPath string) error
	walk = func(currentPath string) error {
		validPath, err := validatePath(currentPath, roots)
		if err != nil {
			return nil
		}

		entries, err := os.ReadDir(validPath)
		if err != nil {
			return nil
		}

		for _, entry := range entries {
			fullPath := filepath.Join(currentPath, entry.Name())

			if _, err := validatePath(fullPath, roots); err != nil {
				continue
			}

			relativePath, err := filepath.Rel(startPath, fullPath)
			if err != nil {
				continue
			}

			excluded := false
			for _, g := range compiled {
				if g.Match(relativePath) {
					excluded = true
					break
				}
			}
			if excluded {
				continue
			}

			if strings.Contains(strings.ToLower(entry.Name()), searchPattern) {
				results = append(results, fullPath)
			}

			if entry.IsDir() {
				if err := walk(fullPath); err != nil {
					return err
				}
			}
		}

		return nil
	}

	if err := walk(startPath); err != nil {
		return nil, err
	}

	return results, nil
}
