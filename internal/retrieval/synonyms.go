package retrieval

// synonyms maps concept words that show up in user queries to the
// vocabulary tool names and descriptions actually use. Expansion is
// query-side only; documents are indexed as-is.
var synonyms = map[string][]string{
	"meeting":      {"calendar", "event", "events"},
	"meetings":     {"calendar", "event", "events"},
	"appointment":  {"calendar", "event"},
	"appointments": {"calendar", "event", "events"},
	"schedule":     {"calendar", "event", "create"},
	"email":        {"mail", "gmail", "message", "fetch"},
	"emails":       {"email", "mail", "gmail", "messages", "fetch"},
	"inbox":        {"email", "mail", "gmail", "messages", "fetch"},
	"message":      {"send", "chat", "slack"},
	"messages":     {"message", "send", "chat", "slack"},
	"file":         {"drive", "document", "folder"},
	"files":        {"drive", "documents", "folder"},
	"document":     {"drive", "doc", "page"},
	"documents":    {"drive", "docs", "pages"},
	"note":         {"notion", "page", "document"},
	"notes":        {"notion", "pages", "documents"},
	"task":         {"issue", "todo", "ticket"},
	"tasks":        {"issues", "todos", "tickets"},
	"ticket":       {"issue", "linear"},
	"tickets":      {"issues", "linear"},
	"bug":          {"issue", "github", "linear"},
	"bugs":         {"issues", "github", "linear"},
	"reminder":     {"calendar", "event", "schedule"},
	"reminders":    {"calendar", "events", "schedule"},
	"person":       {"contact", "people"},
	"people":       {"contact", "contacts"},
}

// ExpandQuery tokenizes a query and appends synonym expansions for any
// concept words present, dropping duplicates while preserving first-seen
// order.
func ExpandQuery(query string) []string {
	tokens := Tokenize(query)
	expanded := make([]string, 0, len(tokens)*2)
	seen := make(map[string]struct{}, len(tokens)*2)

	add := func(tok string) {
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		expanded = append(expanded, tok)
	}

	for _, tok := range tokens {
		add(tok)
	}
	for _, tok := range tokens {
		for _, syn := range synonyms[tok] {
			add(syn)
		}
	}
	return expanded
}
