package voice

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ContextPointer is one pointer-first lookup result. The core returns paths
// and short summaries, never file bodies.
type ContextPointer struct {
	Path    string  `json:"path"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

// ContextLookup is the contract for pointer-first context retrieval. The
// real retrieval store is an external collaborator; the core ships only a
// filesystem fallback.
type ContextLookup interface {
	Lookup(ctx context.Context, query string, limit int) ([]ContextPointer, error)
}

// FSContextLookup scans the prompt workspace for handoff and artifact files
// and scores them by query-term overlap against the path and the file's
// first lines. Good enough to keep the tool surface honest without a
// retrieval backend.
type FSContextLookup struct {
	root string
}

// NewFSContextLookup creates a lookup over the prompts directory.
func NewFSContextLookup(promptsDir string) *FSContextLookup {
	return &FSContextLookup{root: promptsDir}
}

// Lookup implements ContextLookup.
func (l *FSContextLookup) Lookup(ctx context.Context, query string, limit int) ([]ContextPointer, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var results []ContextPointer
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".md" && ext != ".json" {
			return nil
		}

		head := readHead(path, 10)
		score := overlapScore(terms, strings.ToLower(path)+" "+strings.ToLower(head))
		if score <= 0 {
			return nil
		}
		results = append(results, ContextPointer{
			Path:    path,
			Summary: firstLine(head),
			Score:   score,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func overlapScore(terms []string, haystack string) float64 {
	hits := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func readHead(path string, lines int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	for i := 0; i < lines && scanner.Scan(); i++ {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(strings.TrimLeft(line, "# ")); line != "" {
			return line
		}
	}
	return ""
}
