// Package retrieval maintains per-tenant BM25 indexes over tool schemas so
// each agent turn pulls a relevant top-K slice of the catalog instead of
// the whole thing. Indexes are rebuilt from the integration source when
// they go stale; ranking can be nudged by per-tool usage counts.
package retrieval

import (
	"sort"
	"strings"
	"sync"
)

// DiscoveryApp is the pseudo-app for built-in discovery tools. It passes
// every connected-apps filter.
const DiscoveryApp = "lucy"

// DefaultMinPerApp is the per-app floor applied during retrieval so one
// dominant app cannot crowd the others out of the result.
const DefaultMinPerApp = 3

// ToolSchema is the indexable surface of one tool.
type ToolSchema struct {
	Name        string
	Description string
	App         string // inferred from Name when empty
	Params      []string
}

// ScoredTool is one entry of the ranked list a retrieval produces.
type ScoredTool struct {
	Name  string
	App   string
	Score float64
}

// Result is the outcome of one retrieval call. Tools holds the selected
// schemas in rank order; Scored is the full ranked list before selection.
type Result struct {
	Tools    []ToolSchema
	TopScore float64
	Scored   []ScoredTool
}

// AppForTool infers the app slug a tool belongs to: the lowercased prefix
// before the first underscore, or the whole lowercased name.
func AppForTool(name string) string {
	name = strings.ToLower(name)
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}

type document struct {
	schema ToolSchema
	app    string
	length int
	usage  int64
}

type posting struct {
	doc  int
	freq int
}

// CapabilityIndex is an inverted BM25 index over one tenant's tool
// catalog. Writers hold the exclusive lock; retrievals run under the read
// lock and see a consistent snapshot.
type CapabilityIndex struct {
	mu         sync.RWMutex
	docs       []document
	byName     map[string]int
	postings   map[string][]posting
	idf        map[string]float64
	avgDocLen  float64
	boostUsage bool
}

// NewCapabilityIndex creates an empty index. When boostUsage is set,
// retrieval adds a small usage-derived boost to each candidate's score.
func NewCapabilityIndex(boostUsage bool) *CapabilityIndex {
	return &CapabilityIndex{
		byName:     make(map[string]int),
		postings:   make(map[string][]posting),
		idf:        make(map[string]float64),
		boostUsage: boostUsage,
	}
}

// Add indexes a batch of tool schemas. Names already present are skipped,
// so re-adding a catalog is idempotent. Document statistics are recomputed
// once per batch. Returns the number of schemas actually added.
func (ci *CapabilityIndex) Add(tools []ToolSchema) int {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	added := 0
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		if _, ok := ci.byName[tool.Name]; ok {
			continue
		}

		app := tool.App
		if app == "" {
			app = AppForTool(tool.Name)
		}

		text := tool.Name + " " + tool.Description
		if len(tool.Params) > 0 {
			text += " " + strings.Join(tool.Params, " ")
		}
		tokens := Tokenize(text)

		docIdx := len(ci.docs)
		ci.docs = append(ci.docs, document{schema: tool, app: app, length: len(tokens)})
		ci.byName[tool.Name] = docIdx

		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for term, freq := range tf {
			ci.postings[term] = append(ci.postings[term], posting{doc: docIdx, freq: freq})
		}
		added++
	}

	if added > 0 {
		ci.recompute()
	}
	return added
}

// recompute refreshes IDF and average document length after a batch add.
// Callers hold the write lock.
func (ci *CapabilityIndex) recompute() {
	total := 0
	for _, d := range ci.docs {
		total += d.length
	}
	ci.avgDocLen = 0
	if len(ci.docs) > 0 {
		ci.avgDocLen = float64(total) / float64(len(ci.docs))
	}

	ci.idf = make(map[string]float64, len(ci.postings))
	for term, posts := range ci.postings {
		ci.idf[term] = idf(len(ci.docs), len(posts))
	}
}

// Len returns the number of indexed tools.
func (ci *CapabilityIndex) Len() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.docs)
}

// RecordUsage bumps the usage count for one tool. Unknown names are
// ignored.
func (ci *CapabilityIndex) RecordUsage(name string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if i, ok := ci.byName[name]; ok {
		ci.docs[i].usage++
	}
}

// SetUsage seeds usage counts from persisted history.
func (ci *CapabilityIndex) SetUsage(counts map[string]int64) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for name, count := range counts {
		if i, ok := ci.byName[name]; ok {
			ci.docs[i].usage = count
		}
	}
}

// Retrieve ranks the catalog against query and selects up to k tools.
// connectedApps, when non-empty, filters candidates to those apps plus
// DiscoveryApp. Selection runs in two phases: each app first keeps its top
// minPerApp candidates, then remaining slots fill from the global ranking.
// An empty query falls back to most-used-first.
func (ci *CapabilityIndex) Retrieve(query string, k int, connectedApps []string, minPerApp int) Result {
	if k <= 0 {
		return Result{}
	}
	if minPerApp <= 0 {
		minPerApp = DefaultMinPerApp
	}

	ci.mu.RLock()
	defer ci.mu.RUnlock()

	filter := make(map[string]struct{}, len(connectedApps))
	for _, app := range connectedApps {
		app = strings.ToLower(strings.TrimSpace(app))
		if app != "" {
			filter[app] = struct{}{}
		}
	}

	tokens := ExpandQuery(query)
	if len(tokens) == 0 {
		return ci.mostUsedLocked(k, filter)
	}

	scores := make(map[int]float64)
	for _, term := range tokens {
		posts, ok := ci.postings[term]
		if !ok {
			continue
		}
		termIDF := ci.idf[term]
		for _, p := range posts {
			if !ci.admitLocked(p.doc, filter) {
				continue
			}
			scores[p.doc] += bm25Term(termIDF, p.freq, ci.docs[p.doc].length, ci.avgDocLen)
		}
	}
	if len(scores) == 0 {
		return Result{}
	}

	if ci.boostUsage {
		for docIdx := range scores {
			scores[docIdx] += usageBoost(ci.docs[docIdx].usage)
		}
	}

	order := make([]int, 0, len(scores))
	for docIdx := range scores {
		order = append(order, docIdx)
	}
	byScore := func(a, b int) bool {
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return ci.docs[a].schema.Name < ci.docs[b].schema.Name
	}
	sort.Slice(order, func(i, j int) bool { return byScore(order[i], order[j]) })

	// Phase 1: per-app floor.
	selected := make([]int, 0, k)
	chosen := make(map[int]struct{}, k)
	perApp := make(map[string]int)
	for _, docIdx := range order {
		app := ci.docs[docIdx].app
		if perApp[app] >= minPerApp {
			continue
		}
		perApp[app]++
		chosen[docIdx] = struct{}{}
		selected = append(selected, docIdx)
	}

	// Phase 2: fill remaining slots from the global ranking.
	for _, docIdx := range order {
		if len(selected) >= k {
			break
		}
		if _, ok := chosen[docIdx]; ok {
			continue
		}
		selected = append(selected, docIdx)
	}

	sort.Slice(selected, func(i, j int) bool { return byScore(selected[i], selected[j]) })
	if len(selected) > k {
		selected = selected[:k]
	}

	result := Result{
		Tools:  make([]ToolSchema, 0, len(selected)),
		Scored: make([]ScoredTool, 0, len(order)),
	}
	for _, docIdx := range order {
		result.Scored = append(result.Scored, ScoredTool{
			Name:  ci.docs[docIdx].schema.Name,
			App:   ci.docs[docIdx].app,
			Score: scores[docIdx],
		})
	}
	result.TopScore = result.Scored[0].Score
	for _, docIdx := range selected {
		result.Tools = append(result.Tools, ci.docs[docIdx].schema)
	}
	return result
}

// admitLocked reports whether a document passes the connected-apps filter.
// Callers hold at least the read lock.
func (ci *CapabilityIndex) admitLocked(docIdx int, filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	app := ci.docs[docIdx].app
	if app == DiscoveryApp {
		return true
	}
	_, ok := filter[app]
	return ok
}

// mostUsedLocked is the empty-query fallback: admitted tools ordered by
// usage count. Callers hold at least the read lock.
func (ci *CapabilityIndex) mostUsedLocked(k int, filter map[string]struct{}) Result {
	order := make([]int, 0, len(ci.docs))
	for docIdx := range ci.docs {
		if ci.admitLocked(docIdx, filter) {
			order = append(order, docIdx)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if ci.docs[a].usage != ci.docs[b].usage {
			return ci.docs[a].usage > ci.docs[b].usage
		}
		return ci.docs[a].schema.Name < ci.docs[b].schema.Name
	})
	if len(order) > k {
		order = order[:k]
	}

	result := Result{
		Tools:  make([]ToolSchema, 0, len(order)),
		Scored: make([]ScoredTool, 0, len(order)),
	}
	for _, docIdx := range order {
		result.Tools = append(result.Tools, ci.docs[docIdx].schema)
		result.Scored = append(result.Scored, ScoredTool{
			Name: ci.docs[docIdx].schema.Name,
			App:  ci.docs[docIdx].app,
		})
	}
	return result
}
