package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func newTestDetector() *Detector {
	return NewDetector(common.ScanConfig{MinBlockLines: 3}, common.NewLogger("error"))
}

// writeRepo materializes a file tree under a temp dir and returns its root.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func extractRepo(t *testing.T, d *Detector, root, name string) []*fileBlocks {
	t.Helper()
	files, err := walkRepository(context.Background(), root, models.ScanOptions{}, nil)
	require.NoError(t, err)
	blocks := make([]*fileBlocks, 0, len(files))
	for _, f := range files {
		fb, ok := d.extractFile(f, root, name)
		require.True(t, ok, "extract %s", f.relPath)
		blocks = append(blocks, fb)
	}
	return blocks
}

// --- normalization ---

func TestStripComments_LineAndBlock(t *testing.T) {
	inBlock := false

	out := stripComments(`x := load("a//b") // trailing`, true, &inBlock)
	assert.Equal(t, `x := load("a//b") `, out)

	out = stripComments("a /* mid */ b", true, &inBlock)
	assert.Equal(t, "a  b", out)

	out = stripComments("before /* spill", true, &inBlock)
	assert.Equal(t, "before ", out)
	assert.True(t, inBlock)

	out = stripComments("all comment", true, &inBlock)
	assert.Equal(t, "", out)

	out = stripComments("tail */ after", true, &inBlock)
	assert.Equal(t, " after", out)
	assert.False(t, inBlock)
}

func TestStripComments_HashStyle(t *testing.T) {
	inBlock := false
	out := stripComments(`url = "http://x#y"  # note`, false, &inBlock)
	assert.Equal(t, `url = "http://x#y"  `, out)
}

func TestFoldLine_LiteralsAndIdentifiers(t *testing.T) {
	assert.Equal(t, "if v != nil { return v.v(STR, NUM) }",
		foldLine(`if err != nil { return fmt.Errorf("boom %d", 42) }`))

	// Renamed copies fold to the same shape.
	assert.Equal(t, foldLine("total := compute(a, b)"), foldLine("sum := calculate(x, y)"))
}

// --- grouping ---

func TestDetector_ExactDuplicatesAcrossFiles(t *testing.T) {
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"a.go": `package main

func alpha() {
	x := compute(1)
	y := compute(2)
	z := compute(3)
	store(x, y, z)
}
`,
		"b.go": `package main

func beta() {
	x := compute(1)
	y := compute(2)
	z := compute(3)
	store(x, y, z)
}
`,
	})

	groups := d.Group(extractRepo(t, d, root, "demo"))
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, models.CategoryExact, g.Category)
	assert.Equal(t, 1.0, g.Similarity)
	assert.False(t, g.CrossRepository)
	assert.Equal(t, "dg_"+g.Occurrences[0].Hash, g.ID)
	assert.Equal(t, 4, g.LineCount)
	assert.Equal(t, 8, g.DuplicatedLines)
	assert.InDelta(t, 41.0, g.ImpactScore, 0.01)

	require.Len(t, g.Occurrences, 2)
	assert.Equal(t, "demo/a.go", g.Occurrences[0].FilePath)
	assert.Equal(t, "demo/b.go", g.Occurrences[1].FilePath)
	for _, occ := range g.Occurrences {
		assert.Equal(t, 4, occ.StartLine)
		assert.Equal(t, 7, occ.EndLine)
		assert.Equal(t, 4, occ.LineCount)
		assert.Equal(t, "go", occ.Language)
	}
}

func TestDetector_StructuralDuplicatesWhenRenamed(t *testing.T) {
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"c.go": `package main

func first() {
	alpha := load(10)
	beta := load(20)
	gamma := merge(alpha, beta)
	emit(gamma)
}
`,
		"d.go": `package main

func second() {
	one := fetch(30)
	two := fetch(40)
	three := combine(one, two)
	send(three)
}
`,
	})

	groups := d.Group(extractRepo(t, d, root, "demo"))
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, models.CategoryStructural, g.Category)
	assert.Equal(t, models.StructuralSimilarity, g.Similarity)
	require.Len(t, g.Occurrences, 2)
	assert.Equal(t, 1, g.Occurrences[0].StartLine)
	assert.Equal(t, 7, g.Occurrences[0].EndLine)
	assert.Equal(t, 14, g.DuplicatedLines)
}

func TestDetector_MixedCategories(t *testing.T) {
	shared := `package main

func work() {
	conn := dial(addr)
	defer conn.Close()
	conn.Send(payload)
	ack := conn.Wait()
	check(ack)
}
`
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"e.go": shared,
		"f.go": shared,
		"g.go": `package main

func render(items []Item) string {
	out := header(title)
	rows := format(items)
	out = join(out, rows)
	return out
}
`,
		"h.go": `package main

func describe(rows []Row) string {
	buf := prologue(name)
	body := layout(rows)
	buf = concat(buf, body)
	return buf
}
`,
	})

	groups := d.Group(extractRepo(t, d, root, "demo"))
	require.Len(t, groups, 2)

	var exact, structural *models.DuplicateGroup
	for i := range groups {
		switch groups[i].Category {
		case models.CategoryExact:
			exact = &groups[i]
		case models.CategoryStructural:
			structural = &groups[i]
		}
	}
	require.NotNil(t, exact)
	require.NotNil(t, structural)
	assert.Equal(t, []string{"demo/e.go", "demo/f.go"},
		[]string{exact.Occurrences[0].FilePath, exact.Occurrences[1].FilePath})
	assert.Equal(t, []string{"demo/g.go", "demo/h.go"},
		[]string{structural.Occurrences[0].FilePath, structural.Occurrences[1].FilePath})
}

func TestDetector_BlocksBelowMinLinesIgnored(t *testing.T) {
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"i.go": `package main

func solo() {
	count := tally(records)
	flush(count)
}
`,
		"j.go": `package main

type Holder struct {
	Count int
	Name  string
}
`,
	})
	groups := d.Group(extractRepo(t, d, root, "demo"))
	assert.Empty(t, groups)
}

func TestDetector_RepeatsWithinOneFile(t *testing.T) {
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"m.go": `package main

func copyA() {
	v := open(path)
	defer v.Close()
	parse(v)
}

func copyB() {
	v := open(path)
	defer v.Close()
	parse(v)
}
`,
	})

	groups := d.Group(extractRepo(t, d, root, "demo"))
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, models.CategoryExact, g.Category)
	require.Len(t, g.Occurrences, 2)
	assert.Equal(t, 4, g.Occurrences[0].StartLine)
	assert.Equal(t, 10, g.Occurrences[1].StartLine)
	assert.Equal(t, 6, g.DuplicatedLines)
}

func TestDetector_CrossRepositoryFlag(t *testing.T) {
	content := `package svc

func handle(req Request) Response {
	item := lookup(req.ID)
	item.Touch()
	return render(item)
}
`
	d := newTestDetector()
	rootA := writeRepo(t, map[string]string{"svc.go": content})
	rootB := writeRepo(t, map[string]string{"svc.go": content})

	blocks := append(extractRepo(t, d, rootA, "repo-a"), extractRepo(t, d, rootB, "repo-b")...)
	groups := d.Group(blocks)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.True(t, g.CrossRepository)
	assert.Equal(t, "repo-a/svc.go", g.Occurrences[0].FilePath)
	assert.Equal(t, "repo-b/svc.go", g.Occurrences[1].FilePath)
}

func TestDetector_CommentsDoNotBreakExactMatch(t *testing.T) {
	d := newTestDetector()
	root := writeRepo(t, map[string]string{
		"k.go": `package main

func run() {
	cfg := loadConfig()
	// tune before use
	cfg.Apply(defaults)
	start(cfg)
}
`,
		"l.go": `package main

func run() {
	cfg := loadConfig()
	cfg.Apply(defaults) /* inline */
	start(cfg)
}
`,
	})

	groups := d.Group(extractRepo(t, d, root, "demo"))
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, models.CategoryExact, g.Category)
	require.Len(t, g.Occurrences, 2)
	// Physical spans differ because of the comment line; hashes agree.
	assert.Equal(t, 7, g.Occurrences[0].LineCount)
	assert.Equal(t, 6, g.Occurrences[1].LineCount)
	assert.Equal(t, g.Occurrences[0].Hash, g.Occurrences[1].Hash)
	assert.Equal(t, 7, g.LineCount)
}
