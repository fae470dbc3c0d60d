package retrieval

import "math"

// Okapi BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// maxUsageBoost caps the additive ranking boost for frequently used tools.
const maxUsageBoost = 0.5

// idf is the Okapi inverse document frequency for a term appearing in df
// of n documents. The +1 inside the log keeps very common terms from going
// negative.
func idf(n, df int) float64 {
	return math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
}

// bm25Term scores one query term against one document.
func bm25Term(termIDF float64, tf, docLen int, avgDocLen float64) float64 {
	if avgDocLen == 0 {
		return 0
	}
	f := float64(tf)
	return termIDF * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgDocLen))
}

// usageBoost is a small additive boost for tools the tenant actually uses,
// log-damped so heavy hitters cannot crowd out textual relevance.
func usageBoost(count int64) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(maxUsageBoost, math.Log(1+float64(count))*0.1)
}
