package service

import (
	"context"

	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/tools"
)

// catalogSearcher answers the tool-search built-in from the tenant's
// capability index. Searches span every app; the agent's own retrieval
// scoping does not apply here because the model is asking explicitly.
type catalogSearcher struct {
	catalog *retrieval.Registry
}

var _ tools.Searcher = (*catalogSearcher)(nil)

func (c *catalogSearcher) SearchTools(ctx context.Context, tenantID, query string, k int) ([]retrieval.ToolSchema, error) {
	idx, err := c.catalog.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	res := idx.Retrieve(query, k, nil, 0)
	return res.Tools, nil
}
