package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobmcallan/sweep/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relPaths(files []sourceFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.relPath
	}
	return out
}

func TestWalkRepository_FiltersAndSorts(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"main.go":             "package main\n",
		"util.py":             "x = 1\n",
		"notes.md":            "# notes\n",
		"node_modules/dep.js": "module.exports = 1\n",
		".hidden/secret.go":   "package hidden\n",
		"service_test.go":     "package main\n",
		"sub/helper.go":       "package sub\n",
		"sub/deep/inner.go":   "package deep\n",
	})

	files, err := walkRepository(context.Background(), root, models.ScanOptions{}, []string{"node_modules"})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "sub/deep/inner.go", "sub/helper.go", "util.py"}, relPaths(files))
	assert.Equal(t, []string{"go", "python"}, repositoryLanguages(files))
}

func TestWalkRepository_IncludeTests(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"main.go":          "package main\n",
		"main_test.go":     "package main\n",
		"tests/helpers.py": "x = 1\n",
	})

	files, err := walkRepository(context.Background(), root, models.ScanOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, relPaths(files))

	files, err = walkRepository(context.Background(), root, models.ScanOptions{IncludeTests: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "main_test.go", "tests/helpers.py"}, relPaths(files))
}

func TestWalkRepository_MaxDepth(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"top.go":            "package main\n",
		"sub/mid.go":        "package sub\n",
		"sub/deep/lower.go": "package deep\n",
	})

	files, err := walkRepository(context.Background(), root, models.ScanOptions{MaxDepth: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"top.go"}, relPaths(files))

	files, err = walkRepository(context.Background(), root, models.ScanOptions{MaxDepth: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/mid.go", "top.go"}, relPaths(files))
}

func TestWalkRepository_SkipsOversizedFiles(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"small.go": "package main\n",
		"huge.go":  strings.Repeat("// filler line\n", 40000),
	})

	files, err := walkRepository(context.Background(), root, models.ScanOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"small.go"}, relPaths(files))
}

func TestWalkRepository_MissingPathIsPermanent(t *testing.T) {
	_, err := walkRepository(context.Background(), filepath.Join(t.TempDir(), "absent"), models.ScanOptions{}, nil)
	require.Error(t, err)

	var ce *models.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ClassPermanent, ce.Classification)
}

func TestWalkRepository_FilePathIsPermanent(t *testing.T) {
	root := writeRepo(t, map[string]string{"only.go": "package main\n"})

	var ce *models.ClassifiedError
	_, err := walkRepository(context.Background(), filepath.Join(root, "only.go"), models.ScanOptions{}, nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ClassPermanent, ce.Classification)
}

func TestReadLines_NormalizesCRLF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "win.go")
	require.NoError(t, os.WriteFile(path, []byte("a\r\nb\r\nc"), 0o644))

	lines, ok := readLines(path)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestReadLines_RejectsBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.go")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	_, ok := readLines(path)
	assert.False(t, ok)
}

func TestIsTestFile(t *testing.T) {
	assert.True(t, isTestFile("pkg/thing_test.go"))
	assert.True(t, isTestFile("src/app.spec.ts"))
	assert.True(t, isTestFile("lib/test_util.py"))
	assert.True(t, isTestFile("__tests__/render.js"))
	assert.True(t, isTestFile("internal/testdata/fixture.go"))
	assert.False(t, isTestFile("pkg/testify.go"))
	assert.False(t, isTestFile("contested/plan.go"))
}
