package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultKey is the table entry used for any key without its own config.
const DefaultKey = "_default"

// defaultKnownAPIs are the API slugs recognized by tool-name classification
// even when the limiter table carries no explicit bucket for them.
var defaultKnownAPIs = map[string]bool{
	"gmail":          true,
	"googlecalendar": true,
	"calendar":       true,
	"slack":          true,
	"notion":         true,
	"github":         true,
	"googledrive":    true,
	"linear":         true,
}

// Limiter holds two bucket families: one keyed by model identifier, one by
// external API slug. Buckets are created lazily from a static config table
// with a _default fallback.
type Limiter struct {
	mu         sync.Mutex
	models     map[string]*Bucket
	apis       map[string]*Bucket
	modelTable map[string]Config
	apiTable   map[string]Config
}

// NewLimiter builds a limiter from per-key config tables. Either table may
// be nil; keys then use DefaultConfig. A _default entry in a table overrides
// the built-in fallback for that family.
func NewLimiter(models, apis map[string]Config) *Limiter {
	return &Limiter{
		models:     make(map[string]*Bucket),
		apis:       make(map[string]*Bucket),
		modelTable: models,
		apiTable:   apis,
	}
}

// AcquireModel takes one token from the bucket for a model identifier,
// waiting up to timeout.
func (l *Limiter) AcquireModel(ctx context.Context, model string, timeout time.Duration) bool {
	return l.bucket(l.models, l.modelTable, model).Acquire(ctx, 1, timeout)
}

// AcquireAPI takes one token from the bucket for an external API slug,
// waiting up to timeout.
func (l *Limiter) AcquireAPI(ctx context.Context, api string, timeout time.Duration) bool {
	return l.bucket(l.apis, l.apiTable, api).Acquire(ctx, 1, timeout)
}

// bucket returns the bucket for key, creating it from the table (or its
// _default entry) on first use. The registry lock is never held across an
// Acquire, which may block.
func (l *Limiter) bucket(family map[string]*Bucket, table map[string]Config, key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := family[key]; ok {
		return b
	}
	config, ok := table[key]
	if !ok {
		config, ok = table[DefaultKey]
	}
	if !ok {
		config = DefaultConfig()
	}
	b := NewBucket(config)
	family[key] = b
	return b
}

// ClassifyAPIFromTool maps a tool name to the API slug it talks to by
// prefix. Multi-execute wrappers are classified by inspecting the inner
// actions array in params. Returns "" when no API can be determined.
func (l *Limiter) ClassifyAPIFromTool(tool string, params map[string]any) string {
	if strings.Contains(strings.ToUpper(tool), "MULTI_EXECUTE") {
		return l.classifyActions(params)
	}
	return l.slugForName(tool)
}

func (l *Limiter) classifyActions(params map[string]any) string {
	if params == nil {
		return ""
	}
	actions, ok := params["actions"].([]any)
	if !ok {
		return ""
	}
	for _, a := range actions {
		var name string
		switch v := a.(type) {
		case string:
			name = v
		case map[string]any:
			if s, ok := v["action"].(string); ok {
				name = s
			}
		}
		if slug := l.slugForName(name); slug != "" {
			return slug
		}
	}
	return ""
}

func (l *Limiter) slugForName(name string) string {
	if name == "" {
		return ""
	}
	// Custom wrapper tools are named after the API they front.
	prefix := strings.TrimPrefix(strings.ToLower(name), "lucy_custom_")
	if i := strings.Index(prefix, "_"); i > 0 {
		prefix = prefix[:i]
	}
	if _, ok := l.apiTable[prefix]; ok {
		return prefix
	}
	if defaultKnownAPIs[prefix] {
		return prefix
	}
	return ""
}

// BucketStatus reports one bucket's remaining capacity.
type BucketStatus struct {
	Tokens float64 `json:"tokens"`
	Rate   float64 `json:"rate"`
	Burst  int     `json:"burst"`
}

// Snapshot returns remaining tokens for every instantiated bucket, keyed
// "model:<id>" and "api:<slug>".
func (l *Limiter) Snapshot() map[string]BucketStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]BucketStatus, len(l.models)+len(l.apis))
	for key, b := range l.models {
		out["model:"+key] = BucketStatus{Tokens: b.Tokens(), Rate: b.config.Rate, Burst: b.config.Burst}
	}
	for key, b := range l.apis {
		out["api:"+key] = BucketStatus{Tokens: b.Tokens(), Rate: b.config.Rate, Burst: b.config.Burst}
	}
	return out
}
