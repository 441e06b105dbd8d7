// Package query implements the filtering, sorting, and pagination
// primitives applied to session snapshots.
package query

import (
	"math"
	"sort"
	"strings"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// Supported sort orders.
const (
	OrderUpdatedAt = "updated_at"
	OrderStartedAt = "started_at"
	OrderMessages  = "messages"
)

var supportedOrders = map[string]bool{
	OrderUpdatedAt: true,
	OrderStartedAt: true,
	OrderMessages:  true,
}

// SessionQuery describes one list request. Construct it with whatever the
// caller supplied, then call Normalized before filtering.
type SessionQuery struct {
	Providers          map[string]bool
	Search             string
	ModelExact         map[string]bool
	ModelPrefixes      map[string]bool
	ModelProvider      string
	Order              string
	Page               int
	PageSize           int
	IncludeWorkingDirs map[string]bool
	ExcludeWorkingDirs map[string]bool
}

// Normalized returns a cleaned copy: trimmed strings, lowercased model
// values, a valid order, positive page numbers, and include-wins dir sets.
// maxPageSize of 0 means unlimited. Normalization is idempotent.
func (q SessionQuery) Normalized(maxPageSize int) SessionQuery {
	providers := make(map[string]bool)
	for provider := range q.Providers {
		if provider != "" {
			providers[provider] = true
		}
	}

	order := q.Order
	if !supportedOrders[order] {
		order = OrderUpdatedAt
	}

	page := q.Page
	if page <= 0 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	include := normalizeDirSet(q.IncludeWorkingDirs)
	exclude := normalizeDirSet(q.ExcludeWorkingDirs)
	for dir := range include {
		delete(exclude, dir)
	}

	return SessionQuery{
		Providers:          providers,
		Search:             strings.TrimSpace(q.Search),
		ModelExact:         normalizeModelSet(q.ModelExact),
		ModelPrefixes:      normalizeModelSet(q.ModelPrefixes),
		ModelProvider:      strings.TrimSpace(q.ModelProvider),
		Order:              order,
		Page:               page,
		PageSize:           pageSize,
		IncludeWorkingDirs: include,
		ExcludeWorkingDirs: exclude,
	}
}

func normalizeDirSet(values map[string]bool) map[string]bool {
	normalized := make(map[string]bool)
	for value := range values {
		cleaned := strings.TrimSpace(util.StripPrivateUse(value))
		if cleaned != "" {
			normalized[cleaned] = true
		}
	}
	return normalized
}

func normalizeModelSet(values map[string]bool) map[string]bool {
	normalized := make(map[string]bool)
	for value := range values {
		cleaned := normalizeModelValue(value)
		if cleaned != "" {
			normalized[cleaned] = true
		}
	}
	return normalized
}

func normalizeModelValue(value string) string {
	return strings.ToLower(strings.TrimSpace(util.StripPrivateUse(value)))
}

// SessionPage is one page of query results.
type SessionPage struct {
	Items       []*model.SessionRecord
	Total       int
	Page        int
	PageSize    int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

// MatchesProvider reports whether the session passes the provider filter.
// An empty set matches everything.
func MatchesProvider(session *model.SessionRecord, providers map[string]bool) bool {
	if len(providers) == 0 {
		return true
	}
	return providers[session.Provider]
}

// MatchesSearch reports whether the session's search index contains the
// term. An empty term matches everything.
func MatchesSearch(session *model.SessionRecord, term string) bool {
	if term == "" {
		return true
	}
	return session.SearchIndex().Matches(strings.ToLower(term))
}

// MatchesModel applies the model filter. A non-empty modelProvider requires
// an exact provider match before any model comparison.
func MatchesModel(session *model.SessionRecord, exact, prefixes map[string]bool, modelProvider string) bool {
	if modelProvider != "" && session.Provider != modelProvider {
		return false
	}
	if len(exact) == 0 && len(prefixes) == 0 {
		return true
	}

	normalized := normalizeModelValue(session.Model)
	if normalized == "" {
		return false
	}
	if exact[normalized] {
		return true
	}
	for prefix := range prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// MatchesWorkingDir applies the include/exclude dir filter. Sessions without
// a working dir pass exclude-only filters but never include filters.
func MatchesWorkingDir(session *model.SessionRecord, include, exclude map[string]bool) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}

	normalized := ""
	if session.WorkingDir != "" {
		normalized = strings.TrimSpace(util.StripPrivateUse(session.WorkingDir))
	}

	if len(include) > 0 {
		if normalized == "" || !include[normalized] {
			return false
		}
	}
	if len(exclude) > 0 && normalized != "" && exclude[normalized] {
		return false
	}
	return true
}

// ApplyFilters returns the sessions matching every predicate of the
// normalized query, preserving input order.
func ApplyFilters(sessions []*model.SessionRecord, q SessionQuery) []*model.SessionRecord {
	var matched []*model.SessionRecord
	for _, session := range sessions {
		if !MatchesProvider(session, q.Providers) {
			continue
		}
		if !MatchesSearch(session, q.Search) {
			continue
		}
		if !MatchesModel(session, q.ModelExact, q.ModelPrefixes, q.ModelProvider) {
			continue
		}
		if !MatchesWorkingDir(session, q.IncludeWorkingDirs, q.ExcludeWorkingDirs) {
			continue
		}
		matched = append(matched, session)
	}
	return matched
}

func sortKeyUpdated(session *model.SessionRecord) float64 {
	if session.UpdatedAt.IsZero() {
		return math.Inf(-1)
	}
	return float64(session.UpdatedAt.UnixNano())
}

func sortKeyStarted(session *model.SessionRecord) float64 {
	if session.StartedAt.IsZero() {
		return math.Inf(-1)
	}
	return float64(session.StartedAt.UnixNano())
}

func sortKeyMessages(session *model.SessionRecord) float64 {
	return float64(session.MessageCount())
}

// SortSessions returns a copy sorted descending by the given order. Ties
// keep input order.
func SortSessions(sessions []*model.SessionRecord, order string) []*model.SessionRecord {
	keyFn := sortKeyUpdated
	switch order {
	case OrderStartedAt:
		keyFn = sortKeyStarted
	case OrderMessages:
		keyFn = sortKeyMessages
	}

	sorted := make([]*model.SessionRecord, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return keyFn(sorted[i]) > keyFn(sorted[j])
	})
	return sorted
}

// Paginate slices the sorted results into the requested page. An empty
// result set yields page 1 of 0 pages; otherwise the requested page is
// clamped to the last page.
func Paginate(sessions []*model.SessionRecord, q SessionQuery) SessionPage {
	total := len(sessions)
	if total == 0 {
		return SessionPage{
			Items:    []*model.SessionRecord{},
			Page:     1,
			PageSize: q.PageSize,
		}
	}

	totalPages := (total + q.PageSize - 1) / q.PageSize
	page := q.Page
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * q.PageSize
	end := start + q.PageSize
	if end > total {
		end = total
	}

	return SessionPage{
		Items:       sessions[start:end],
		Total:       total,
		Page:        page,
		PageSize:    q.PageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// Run normalizes the query, filters, sorts, and paginates in one call.
func Run(sessions []*model.SessionRecord, q SessionQuery, maxPageSize int) SessionPage {
	normalized := q.Normalized(maxPageSize)
	matched := ApplyFilters(sessions, normalized)
	return Paginate(SortSessions(matched, normalized.Order), normalized)
}
