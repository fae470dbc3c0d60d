// Package actions classifies tool calls by side effect and gates the
// risky ones behind explicit user approval.
package actions

import (
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/lucy/pkg/models"
)

// customPrefix marks tenant-registered wrapper tools. Classification is
// prefix-blind: a wrapper inherits the class of the name it wraps.
const customPrefix = "lucy_custom_"

// Verb heuristics match whole underscore-separated words, so
// "send_email" is destructive while "transcend_notes" is not.
var (
	destructiveVerbs = verbPattern(
		"send", "delete", "remove", "cancel", "revoke", "ban", "unban",
		"destroy", "purge", "forward", "unsubscribe", "archive", "reply_to",
	)
	writeVerbs = verbPattern(
		"create", "add", "update", "edit", "modify", "set", "patch", "put",
		"post", "write", "generate", "store", "quick_add", "trigger",
	)
	readVerbs = verbPattern(
		"list", "get", "fetch", "search", "find", "check", "count", "query",
		"lookup", "show", "retrieve", "view", "export", "download",
	)
)

func verbPattern(verbs ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|_)(?:` + strings.Join(verbs, "|") + `)(?:_|$)`)
}

// Built-in tool names, classified explicitly rather than by verb.
var (
	internalReadTools = map[string]bool{
		"lucy_search_tools":    true,
		"lucy_list_apps":       true,
		"lucy_get_tool_schema": true,
		"lucy_list_skills":     true,
		"lucy_read_skill":      true,
		"lucy_list_crons":      true,
		"lucy_read_activity":   true,
	}
	internalWriteTools = map[string]bool{
		"lucy_save_skill":      true,
		"lucy_create_cron":     true,
		"lucy_update_cron":     true,
		"lucy_record_learning": true,
	}
	internalDestructiveTools = map[string]bool{
		"lucy_delete_skill": true,
		"lucy_delete_cron":  true,
	}
)

// Composio tool-router discovery names. Everything else under the
// COMPOSIO_ prefix executes on the user's behalf.
var composioDiscoveryTools = map[string]bool{
	"COMPOSIO_SEARCH_TOOLS":          true,
	"COMPOSIO_GET_TOOL_INPUT_SCHEMA": true,
}

// Classifier resolves the side-effect type of tool calls. Overrides
// registered from wrapper annotations outrank every heuristic.
type Classifier struct {
	mu        sync.RWMutex
	overrides map[string]models.ActionType
}

// NewClassifier builds a classifier with an empty override table.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[string]models.ActionType)}
}

// Register pins a name to a type. The custom prefix is stripped so a
// wrapper and the tool it wraps always agree.
func (c *Classifier) Register(name string, t models.ActionType) {
	c.mu.Lock()
	c.overrides[strings.TrimPrefix(name, customPrefix)] = t
	c.mu.Unlock()
}

// Classify returns the side-effect type of one tool call. Precedence:
// override table, built-in sets, verb heuristics, the confirmed
// parameter hint, Composio router rules, then write as the safe
// default.
func (c *Classifier) Classify(name string, params map[string]any) models.ActionType {
	name = strings.TrimPrefix(name, customPrefix)

	c.mu.RLock()
	override, ok := c.overrides[name]
	c.mu.RUnlock()
	if ok {
		return override
	}

	lower := strings.ToLower(name)
	switch {
	case internalReadTools[lower]:
		return models.ActionRead
	case internalWriteTools[lower]:
		return models.ActionWrite
	case internalDestructiveTools[lower]:
		return models.ActionDestructive
	}

	switch {
	case destructiveVerbs.MatchString(lower):
		return models.ActionDestructive
	case writeVerbs.MatchString(lower):
		return models.ActionWrite
	case readVerbs.MatchString(lower):
		return models.ActionRead
	}

	// A confirmed flag in the arguments means the wrapper opted into
	// the write-level confirmation flow itself.
	if _, ok := params["confirmed"]; ok {
		return models.ActionWrite
	}

	if t, ok := c.classifyComposio(name, params); ok {
		return t
	}

	// Unknown names require confirmation.
	return models.ActionWrite
}

func (c *Classifier) classifyComposio(name string, params map[string]any) (models.ActionType, bool) {
	if !strings.HasPrefix(name, "COMPOSIO_") {
		return "", false
	}
	if composioDiscoveryTools[name] {
		return models.ActionRead, true
	}
	if strings.Contains(name, "MULTI_EXECUTE") {
		return c.classifyMultiExecute(params), true
	}
	return models.ActionWrite, true
}

// classifyMultiExecute inspects the inner actions of a multi-execute
// payload and reports the riskiest one. Malformed payloads classify as
// write.
func (c *Classifier) classifyMultiExecute(params map[string]any) models.ActionType {
	inner, ok := params["actions"].([]any)
	if !ok || len(inner) == 0 {
		return models.ActionWrite
	}

	highest := models.ActionRead
	for _, raw := range inner {
		action, ok := raw.(map[string]any)
		if !ok {
			return models.ActionWrite
		}
		name, _ := action["tool_slug"].(string)
		if name == "" {
			name, _ = action["name"].(string)
		}
		if name == "" {
			return models.ActionWrite
		}
		if t := c.Classify(name, nil); t.RiskRank() > highest.RiskRank() {
			highest = t
		}
	}
	return highest
}
