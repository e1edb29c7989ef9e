package authz

import (
	"errors"
	"strings"

	"github.com/blevesearch/bleve/v2/search/query"

	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/search"
	"caselog/pkg/store"
)

// maxParentDepth bounds the parent chain walk so malformed data with a
// reference cycle cannot loop forever.
const maxParentDepth = 16

// involvedFields are the index paths under which a resource's involved
// parties can appear.
var involvedFields = []string{"involved", "data.resource_data.involved"}

// GateQuery builds the authorization clause for a principal: a disjunction
// of field-scoped matches over the involved paths. Matches use the AND
// operator so every token of the principal must match; the analyzer may
// split an address into several tokens and an OR over them would leak
// documents of unrelated principals.
func GateQuery(principal string) query.Query {
	parts := make([]query.Query, 0, len(involvedFields))
	for _, f := range involvedFields {
		mq := query.NewMatchQuery(principal)
		mq.SetField(f)
		mq.SetOperator(query.MatchQueryOperatorAnd)
		parts = append(parts, mq)
	}
	return query.NewDisjunctionQuery(parts)
}

// Rewrite scopes an arbitrary user query to what the principal may see.
// The result still requires the exact post-filter: token matching is an
// over-approximation of membership.
func Rewrite(q query.Query, principal string) query.Query {
	return query.NewConjunctionQuery([]query.Query{q, GateQuery(principal)})
}

// Involved reports whether the principal appears, byte for byte after
// trimming and case folding, in the document's involved list.
func Involved(principal string, data map[string]interface{}) bool {
	p := strings.ToLower(strings.TrimSpace(principal))
	if p == "" {
		return false
	}
	for _, v := range models.InvolvedParties(data) {
		if strings.ToLower(strings.TrimSpace(v)) == p {
			return true
		}
	}
	return false
}

// IsAuthorized decides whether the principal may see the stored resource.
// A principal is authorized when it is involved in the resource itself, or
// in any ancestor reached through the comment parent chain. Any lookup
// failure denies access.
func IsAuthorized(principal, resourceID string) bool {
	seen := map[string]bool{}
	id := resourceID
	for depth := 0; depth < maxParentDepth; depth++ {
		if id == "" || seen[id] {
			return false
		}
		seen[id] = true
		rec, err := store.GetResource(id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn("authz_lookup_failed", "resource", id, "error", err)
			}
			return false
		}
		if Involved(principal, rec.Data) {
			return true
		}
		id = models.ParentID(rec.Data)
	}
	return false
}

// FilterHits keeps only the hits the principal may see. A hit passes when
// the principal is exactly involved in the indexed payload, or when the
// stored resource (including its parent chain) authorizes the principal.
func FilterHits(principal string, hits []search.Hit) []search.Hit {
	out := make([]search.Hit, 0, len(hits))
	for _, h := range hits {
		if Involved(principal, h.Payload) || IsAuthorized(principal, h.ID) {
			out = append(out, h)
		}
	}
	return out
}

// AuthorizedTopics returns the identifiers of every committed document the
// principal may see, found via the gate query and confirmed by the exact
// post-filter.
func AuthorizedTopics(idx *search.Index, principal string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	hits, err := idx.Search(GateQuery(principal), limit)
	if err != nil {
		return nil, err
	}
	hits = FilterHits(principal, hits)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}
