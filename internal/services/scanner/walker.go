package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bobmcallan/sweep/internal/models"
)

// maxFileSize keeps generated bundles and vendored blobs out of the scan.
const maxFileSize = 512 * 1024

// languageByExt maps file extensions to language names.
var languageByExt = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rs":    "rust",
	".php":   "php",
	".swift": "swift",
	".sh":    "shell",
}

// sourceFile is one walkable file inside a repository.
type sourceFile struct {
	absPath  string
	relPath  string
	language string
}

// isTestFile recognizes test files across the supported languages.
func isTestFile(relPath string) bool {
	base := filepath.Base(relPath)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, ".test.js"),
		strings.HasSuffix(base, ".test.ts"),
		strings.HasSuffix(base, ".test.jsx"),
		strings.HasSuffix(base, ".test.tsx"),
		strings.HasSuffix(base, ".spec.js"),
		strings.HasSuffix(base, ".spec.ts"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"):
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		switch part {
		case "test", "tests", "__tests__", "testdata":
			return true
		}
	}
	return false
}

// walkRepository lists scannable source files under root, honoring the
// excluded path set, test filtering, and the depth cap.
func walkRepository(ctx context.Context, root string, opts models.ScanOptions, excluded []string) ([]sourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, models.NewPermanentError(fmt.Errorf("repository path %s: %w", root, err))
	}
	if !info.IsDir() {
		return nil, models.NewPermanentError(fmt.Errorf("repository path %s is not a directory", root))
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}

	var files []sourceFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if d.IsDir() {
			name := d.Name()
			if _, ok := skip[name]; ok {
				return filepath.SkipDir
			}
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if opts.MaxDepth > 0 && strings.Count(filepath.ToSlash(rel), "/")+1 >= opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		if !opts.IncludeTests && isTestFile(rel) {
			return nil
		}
		if fi, err := d.Info(); err != nil || fi.Size() > maxFileSize {
			return nil
		}

		files = append(files, sourceFile{
			absPath:  path,
			relPath:  filepath.ToSlash(rel),
			language: lang,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(a, b int) bool { return files[a].relPath < files[b].relPath })
	return files, nil
}

// readLines loads a file's lines, skipping content that is not valid UTF-8.
func readLines(path string) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !utf8.Valid(data) {
		return nil, false
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(text, "\n"), true
}

// repositoryLanguages returns the distinct languages across files, sorted.
func repositoryLanguages(files []sourceFile) []string {
	seen := make(map[string]struct{})
	for _, f := range files {
		seen[f.language] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
