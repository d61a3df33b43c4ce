package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

// srcLine is one significant source line in its comparison forms.
type srcLine struct {
	number int    // 1-based position in the original file
	exact  string // comment-stripped, whitespace-collapsed
	folded string // exact with literals and identifiers folded
}

// fileBlocks holds the extracted lines of one file plus claim state used
// during grouping.
type fileBlocks struct {
	file           sourceFile
	repositoryPath string
	repositoryName string
	lines          []srcLine
	totalLines     int
	claimed        []bool
}

// Detector turns repository files into duplicate groups: exact groups by
// content hash, structural groups by identifier-folded hash.
type Detector struct {
	minBlockLines int
	logger        *common.Logger
}

func NewDetector(cfg common.ScanConfig, logger *common.Logger) *Detector {
	min := cfg.MinBlockLines
	if min <= 0 {
		min = 3
	}
	return &Detector{minBlockLines: min, logger: logger}
}

var (
	reSpace  = regexp.MustCompile(`\s+`)
	reString = regexp.MustCompile("\"(?:[^\"\\\\]|\\\\.)*\"|'(?:[^'\\\\]|\\\\.)*'|`[^`]*`")
	reNumber = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	reIdent  = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
)

// foldKeywords are preserved during identifier folding so control flow and
// declaration structure survive normalization.
var foldKeywords = map[string]struct{}{
	"break": {}, "case": {}, "catch": {}, "class": {}, "const": {},
	"continue": {}, "def": {}, "defer": {}, "elif": {}, "else": {},
	"except": {}, "finally": {}, "for": {}, "func": {}, "function": {},
	"go": {}, "if": {}, "import": {}, "in": {}, "interface": {},
	"lambda": {}, "let": {}, "map": {}, "new": {}, "nil": {}, "none": {},
	"not": {}, "null": {}, "package": {}, "pass": {}, "raise": {},
	"range": {}, "return": {}, "select": {}, "self": {}, "static": {},
	"struct": {}, "switch": {}, "this": {}, "throw": {}, "try": {},
	"type": {}, "var": {}, "void": {}, "while": {}, "with": {},
	"yield": {}, "async": {}, "await": {}, "true": {}, "false": {},
	"public": {}, "private": {}, "export": {}, "default": {},
	"NUM": {}, "STR": {},
}

// usesSlashComments reports whether the language uses C-style comments.
func usesSlashComments(language string) bool {
	switch language {
	case "python", "ruby", "shell":
		return false
	default:
		return true
	}
}

// stripComments removes the comment tail of one line, quote-aware. For
// C-style languages it also tracks block comment state across lines.
func stripComments(line string, slashStyle bool, inBlock *bool) string {
	if slashStyle && *inBlock {
		idx := strings.Index(line, "*/")
		if idx < 0 {
			return ""
		}
		*inBlock = false
		line = line[idx+2:]
	}

	var out strings.Builder
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(line) {
				out.WriteByte(line[i+1])
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'' || c == '`':
			quote = c
			out.WriteByte(c)
		case slashStyle && c == '/' && i+1 < len(line) && line[i+1] == '/':
			return out.String()
		case slashStyle && c == '/' && i+1 < len(line) && line[i+1] == '*':
			end := strings.Index(line[i+2:], "*/")
			if end < 0 {
				*inBlock = true
				return out.String()
			}
			i += 2 + end + 1
		case !slashStyle && c == '#':
			return out.String()
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// foldLine folds literals to STR/NUM and identifiers to a placeholder,
// keeping keywords, so renamed copies hash identically.
func foldLine(exact string) string {
	s := reString.ReplaceAllString(exact, "STR")
	s = reNumber.ReplaceAllString(s, "NUM")
	s = reIdent.ReplaceAllStringFunc(s, func(ident string) string {
		if _, ok := foldKeywords[ident]; ok {
			return ident
		}
		if _, ok := foldKeywords[strings.ToLower(ident)]; ok {
			return strings.ToLower(ident)
		}
		return "v"
	})
	return reSpace.ReplaceAllString(s, " ")
}

// extractFile reads and normalizes one file. Returns false when the file
// cannot be scanned (unreadable or binary).
func (d *Detector) extractFile(f sourceFile, repoPath, repoName string) (*fileBlocks, bool) {
	raw, ok := readLines(f.absPath)
	if !ok {
		return nil, false
	}

	fb := &fileBlocks{
		file:           f,
		repositoryPath: repoPath,
		repositoryName: repoName,
		totalLines:     len(raw),
	}

	slashStyle := usesSlashComments(f.language)
	inBlock := false
	for i, line := range raw {
		payload := stripComments(line, slashStyle, &inBlock)
		exact := strings.TrimSpace(reSpace.ReplaceAllString(payload, " "))
		if exact == "" || isTrivialLine(exact) {
			continue
		}
		fb.lines = append(fb.lines, srcLine{
			number: i + 1,
			exact:  exact,
			folded: foldLine(exact),
		})
	}
	fb.claimed = make([]bool, len(fb.lines))
	return fb, true
}

// isTrivialLine drops punctuation-only lines that would inflate matches.
func isTrivialLine(exact string) bool {
	switch exact {
	case "{", "}", "};", ")", ");", "(", "end", "else {", "} else {", "[", "]", "],":
		return true
	}
	return false
}

// anchor is one candidate window position during grouping.
type anchor struct {
	fb  *fileBlocks
	idx int
}

// Group builds duplicate groups across the extracted files: an exact pass
// first, then a structural pass over the unclaimed remainder.
func (d *Detector) Group(files []*fileBlocks) []models.DuplicateGroup {
	groups := d.matchPass(files, models.CategoryExact)
	groups = append(groups, d.matchPass(files, models.CategoryStructural)...)

	sort.Slice(groups, func(a, b int) bool {
		if groups[a].ImpactScore != groups[b].ImpactScore {
			return groups[a].ImpactScore > groups[b].ImpactScore
		}
		return groups[a].ID < groups[b].ID
	})
	return groups
}

func lineKey(ln srcLine, category string) string {
	if category == models.CategoryExact {
		return ln.exact
	}
	return ln.folded
}

// matchPass finds maximal repeated windows on one comparison form. Claimed
// spans from earlier passes are skipped, so structural groups only cover
// code the exact pass left behind.
func (d *Detector) matchPass(files []*fileBlocks, category string) []models.DuplicateGroup {
	w := d.minBlockLines

	seeds := make(map[string][]anchor)
	for _, fb := range files {
		for idx := 0; idx+w <= len(fb.lines); idx++ {
			if fb.spanClaimed(idx, w) {
				continue
			}
			key := windowKey(fb.lines[idx:idx+w], category)
			seeds[key] = append(seeds[key], anchor{fb: fb, idx: idx})
		}
	}

	var groups []models.DuplicateGroup
	for _, fb := range files {
		for idx := 0; idx+w <= len(fb.lines); idx++ {
			if fb.spanClaimed(idx, w) {
				continue
			}
			key := windowKey(fb.lines[idx:idx+w], category)
			candidates := liveAnchors(seeds[key], w)
			if len(candidates) < 2 {
				continue
			}
			length := extendMatch(candidates, w, category)
			if g, ok := d.buildGroup(candidates, length, category); ok {
				groups = append(groups, g)
			}
		}
	}
	return groups
}

// liveAnchors filters out anchors already claimed or overlapping an earlier
// accepted anchor in the same file.
func liveAnchors(anchors []anchor, w int) []anchor {
	out := make([]anchor, 0, len(anchors))
	for _, a := range anchors {
		if a.fb.spanClaimed(a.idx, w) {
			continue
		}
		overlaps := false
		for _, kept := range out {
			if kept.fb == a.fb && a.idx < kept.idx+w && kept.idx < a.idx+w {
				overlaps = true
				break
			}
		}
		if !overlaps {
			out = append(out, a)
		}
	}
	return out
}

// extendMatch grows the window downward while every anchor still matches.
func extendMatch(anchors []anchor, w int, category string) int {
	length := w
	for {
		next := anchors[0].idx + length
		if next >= len(anchors[0].fb.lines) {
			return length
		}
		want := lineKey(anchors[0].fb.lines[next], category)
		for _, a := range anchors[1:] {
			n := a.idx + length
			if n >= len(a.fb.lines) || lineKey(a.fb.lines[n], category) != want {
				return length
			}
		}
		// Growing into an already-claimed line would double-count it.
		for _, a := range anchors {
			if a.fb.claimed[a.idx+length] {
				return length
			}
		}
		length++
	}
}

// buildGroup claims the matched spans and materializes the duplicate group.
func (d *Detector) buildGroup(anchors []anchor, length int, category string) (models.DuplicateGroup, bool) {
	blockText := make([]string, 0, length)
	for _, ln := range anchors[0].fb.lines[anchors[0].idx : anchors[0].idx+length] {
		blockText = append(blockText, lineKey(ln, category))
	}
	sum := sha256.Sum256([]byte(strings.Join(blockText, "\n")))
	hash := hex.EncodeToString(sum[:])[:12]

	occurrences := make([]models.CodeBlock, 0, len(anchors))
	repos := make(map[string]struct{})
	totalDup := 0
	for _, a := range anchors {
		a.fb.claim(a.idx, length)
		start := a.fb.lines[a.idx].number
		end := a.fb.lines[a.idx+length-1].number
		span := end - start + 1
		totalDup += span
		repos[a.fb.repositoryPath] = struct{}{}
		occurrences = append(occurrences, models.CodeBlock{
			FilePath:  a.fb.displayPath(),
			StartLine: start,
			EndLine:   end,
			LineCount: span,
			Language:  a.fb.file.language,
			Hash:      hash,
		})
	}

	similarity := 1.0
	if category == models.CategoryStructural {
		similarity = models.StructuralSimilarity
	}
	g := models.DuplicateGroup{
		ID:              "dg_" + hash,
		Category:        category,
		Similarity:      similarity,
		Occurrences:     occurrences,
		LineCount:       occurrences[0].LineCount,
		DuplicatedLines: totalDup,
		CrossRepository: len(repos) > 1,
	}
	g.ImpactScore = g.ComputeImpactScore()
	return g, true
}

func (fb *fileBlocks) spanClaimed(idx, length int) bool {
	for i := idx; i < idx+length && i < len(fb.claimed); i++ {
		if fb.claimed[i] {
			return true
		}
	}
	return false
}

func (fb *fileBlocks) claim(idx, length int) {
	for i := idx; i < idx+length && i < len(fb.claimed); i++ {
		fb.claimed[i] = true
	}
}

// displayPath prefixes the repository name so multi-repo reports stay
// unambiguous.
func (fb *fileBlocks) displayPath() string {
	return fb.repositoryName + "/" + fb.file.relPath
}

func windowKey(lines []srcLine, category string) string {
	parts := make([]string, len(lines))
	for i, ln := range lines {
		parts[i] = lineKey(ln, category)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
