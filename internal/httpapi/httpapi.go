// Package httpapi exposes the session service as a local JSON API.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kmckiern/agent-sessions/internal/query"
	"github.com/kmckiern/agent-sessions/internal/service"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// MaxPageSize caps page_size for list requests.
const MaxPageSize = 100

// Server holds the API handlers.
type Server struct {
	service *service.SessionService
}

// NewServer creates the API server around a session service.
func NewServer(svc *service.SessionService) *Server {
	return &Server{service: svc}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/sessions", s.listSessions)
	r.Get("/api/sessions/{provider}/*", s.sessionDetail)
	r.Get("/api/providers", s.providers)
	r.Get("/api/working-dirs", s.workingDirs)
	r.Get("/api/health", s.health)
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

func positiveInt(value string, fallback int) (int, bool) {
	if value == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	if parsed < 1 {
		return 1, true
	}
	return parsed, true
}

func valueSet(values []string) map[string]bool {
	set := make(map[string]bool)
	for _, value := range values {
		if value != "" {
			set[value] = true
		}
	}
	return set
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	page, ok := positiveInt(params.Get("page"), 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid page parameter")
		return
	}
	pageSize, ok := positiveInt(params.Get("page_size"), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid page_size parameter")
		return
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	order := params.Get("order")
	if order == "" {
		order = query.OrderUpdatedAt
	}
	switch order {
	case query.OrderUpdatedAt, query.OrderStartedAt, query.OrderMessages:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Unsupported order parameter",
			"allowed": []string{
				query.OrderMessages, query.OrderStartedAt, query.OrderUpdatedAt,
			},
		})
		return
	}

	q := query.SessionQuery{
		Providers:          valueSet(params["provider"]),
		Search:             strings.TrimSpace(params.Get("search")),
		ModelExact:         valueSet(params["model"]),
		ModelPrefixes:      valueSet(params["model_prefix"]),
		ModelProvider:      params.Get("model_provider"),
		Order:              order,
		Page:               page,
		PageSize:           pageSize,
		IncludeWorkingDirs: valueSet(params["include_working_dir"]),
		ExcludeWorkingDirs: valueSet(params["exclude_working_dir"]),
	}
	result := s.service.ListSessions(q, MaxPageSize)

	sessions := make([]sessionSummary, 0, len(result.Items))
	for _, item := range result.Items {
		sessions = append(sessions, summarizeSession(item))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":           result.Page,
		"page_size":      result.PageSize,
		"total_sessions": result.Total,
		"total_pages":    result.TotalPages,
		"sessions":       sessions,
	})
}

func (s *Server) sessionDetail(w http.ResponseWriter, r *http.Request) {
	providerName, err := url.PathUnescape(chi.URLParam(r, "provider"))
	if err != nil || providerName == "" {
		writeError(w, http.StatusNotFound, "Invalid session path")
		return
	}
	sessionID, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Invalid session path")
		return
	}
	sourcePath := r.URL.Query().Get("source_path")

	session := s.service.GetSession(providerName, sessionID, sourcePath)
	if session == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": detailSession(session),
	})
}

func (s *Server) providers(w http.ResponseWriter, r *http.Request) {
	sessions := s.service.AllSessions()

	summaries := make(map[string]*providerSummary)
	var order []string
	add := func(id, label string, envVar *string, defaultPaths []string) *providerSummary {
		if existing, ok := summaries[id]; ok {
			return existing
		}
		summary := &providerSummary{
			ID:           id,
			Label:        label,
			EnvVar:       envVar,
			DefaultPaths: defaultPaths,
		}
		summaries[id] = summary
		order = append(order, id)
		return summary
	}

	for _, entry := range registryEntries() {
		envVar := entry.EnvVar
		add(entry.Slug, entry.Label, &envVar, append([]string(nil), entry.DefaultPaths...))
	}

	for _, session := range sessions {
		summary := add(session.Provider, providerLabel(session.Provider), nil, []string{})
		summary.SessionCount++
		lastUpdated := session.UpdatedAt
		if lastUpdated.IsZero() {
			lastUpdated = session.StartedAt
		}
		if lastUpdated.IsZero() {
			continue
		}
		iso := lastUpdated.Format(isoLayout)
		if summary.LastUpdated == nil || iso > *summary.LastUpdated {
			summary.LastUpdated = &iso
		}
	}

	result := make([]*providerSummary, 0, len(order))
	for _, id := range order {
		result = append(result, summaries[id])
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": result})
}

func (s *Server) workingDirs(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, session := range s.service.AllSessions() {
		if session.WorkingDir == "" {
			continue
		}
		path := strings.TrimSpace(util.StripPrivateUse(session.WorkingDir))
		if path == "" {
			continue
		}
		counts[path]++
	}

	type dirCount struct {
		Path  string `json:"path"`
		Count int    `json:"count"`
	}
	dirs := make([]dirCount, 0, len(counts))
	for path, count := range counts {
		dirs = append(dirs, dirCount{Path: path, Count: count})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].Count != dirs[j].Count {
			return dirs[i].Count > dirs[j].Count
		}
		return strings.ToLower(dirs[i].Path) < strings.ToLower(dirs[j].Path)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"working_dirs": dirs})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
