package localindex

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// nestedMatcher holds a gitignore matcher and its base directory relative to
// the workspace root (empty for the root .gitignore).
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string
}

// IgnoreMatcher answers whether a workspace-relative path is excluded from
// tracking. It combines every .gitignore found in the tree with the extra
// patterns from the workspace config.
type IgnoreMatcher struct {
	root     string
	matchers []nestedMatcher
	extra    []string
}

// NewIgnoreMatcher walks the workspace collecting .gitignore files. Extra
// patterns apply from the root and are also used to prune the walk itself.
func NewIgnoreMatcher(root string, extra []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{root: root, extra: extra}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		if info.IsDir() {
			base := filepath.Base(path)
			for _, dir := range extra {
				if base == dir {
					return filepath.SkipDir
				}
			}
			return nil
		}

		if filepath.Base(path) != ".gitignore" {
			return nil
		}

		gi, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			return nil // Skip invalid .gitignore files
		}

		relDir, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, nestedMatcher{matcher: gi, baseDir: relDir})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extra) > 0 {
		m.matchers = append(m.matchers, nestedMatcher{
			matcher: ignore.CompileIgnoreLines(extra...),
			baseDir: "",
		})
	}

	return m, nil
}

// ShouldIgnore reports whether the workspace-relative path is excluded.
func (m *IgnoreMatcher) ShouldIgnore(relPath string) bool {
	normalized := filepath.ToSlash(relPath)

	base := filepath.Base(normalized)
	for _, dir := range m.extra {
		if base == dir {
			return true
		}
	}

	for _, nm := range m.matchers {
		scoped := matcherRelPath(normalized, nm.baseDir)
		if scoped == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(scoped) || nm.matcher.MatchesPath(scoped+"/") {
			return true
		}
	}
	return false
}

// matcherRelPath scopes a path to a matcher's base directory. Returns empty
// when the path falls outside the matcher's subtree.
func matcherRelPath(normalized, baseDir string) string {
	if baseDir == "" {
		return normalized
	}
	normalizedBase := filepath.ToSlash(baseDir)
	if normalized == normalizedBase {
		return "."
	}
	if strings.HasPrefix(normalized, normalizedBase+"/") {
		return strings.TrimPrefix(normalized, normalizedBase+"/")
	}
	return ""
}
