package provider

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// GeminiProvider reads Google Gemini CLI checkpoints: whole-file JSON
// documents scattered across several possible roots. The newest checkpoint
// wins when a session id appears more than once.
type GeminiProvider struct {
	Base
}

// NewGeminiProvider creates the provider. An empty baseDir resolves via
// GEMINI_HOME, falling back to ~/.gemini.
func NewGeminiProvider(baseDir string) *GeminiProvider {
	return &GeminiProvider{
		Base: newBase(
			"gemini-cli",
			"provider.GeminiProvider",
			"GEMINI_HOME",
			".gemini",
			nil,
			baseDir,
		),
	}
}

func geminiRoots(baseDir string) []string {
	roots := []string{baseDir}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	candidates := []string{
		filepath.Join(home, ".config", "google-generative-ai"),
		filepath.Join(home, ".local", "share", "google-generative-ai"),
		filepath.Join(home, "Library", "Application Support", "google", "generative-ai"),
	}
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		candidates = append(candidates, filepath.Join(appdata, "google", "generative-ai"))
	}
	for _, candidate := range candidates {
		duplicate := false
		for _, root := range roots {
			if root == candidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			roots = append(roots, candidate)
		}
	}
	return roots
}

func geminiCandidateFiles(baseDir string) []string {
	seen := make(map[string]bool)
	var candidates []string
	add := func(root string, patterns ...string) {
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(os.DirFS(root), pattern)
			if err != nil {
				continue
			}
			for _, match := range matches {
				full := filepath.Join(root, filepath.FromSlash(match))
				info, err := os.Stat(full)
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				if !seen[full] {
					seen[full] = true
					candidates = append(candidates, full)
				}
			}
		}
	}

	for _, root := range geminiRoots(baseDir) {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if tmpDir := filepath.Join(root, "tmp"); dirExists(tmpDir) {
			add(tmpDir,
				"**/chats/*.json",
				"**/checkpoints/*.json",
				"**/session-*.json",
				"**/chat-*.json",
			)
		}
		if historyDir := filepath.Join(root, "history"); dirExists(historyDir) {
			add(historyDir, "**/*.json")
		}
		add(root, "checkpoints/*.json", "checkpoints/**/*.json")
	}
	sort.Strings(candidates)
	return candidates
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CacheValidationPaths covers every checkpoint file across all roots.
func (p *GeminiProvider) CacheValidationPaths() []string {
	return geminiCandidateFiles(p.baseDir)
}

func (p *GeminiProvider) Sessions() []*model.SessionRecord {
	bySession := make(map[string]*model.SessionRecord)
	var order []string
	for _, path := range geminiCandidateFiles(p.baseDir) {
		record := p.buildCached(path, p.buildSessionFromPath)
		if record == nil {
			continue
		}
		existing, ok := bySession[record.SessionID]
		if !ok {
			order = append(order, record.SessionID)
			bySession[record.SessionID] = record
			continue
		}
		if geminiNewer(record, existing) {
			bySession[record.SessionID] = record
		}
	}

	records := make([]*model.SessionRecord, 0, len(order))
	for _, id := range order {
		records = append(records, bySession[id])
	}
	return sortRecords(records)
}

func geminiNewer(a, b *model.SessionRecord) bool {
	ka, oka := recordSortKey(a)
	kb, okb := recordSortKey(b)
	if !oka {
		return false
	}
	if !okb {
		return true
	}
	return ka > kb
}

func (p *GeminiProvider) buildSessionFromPath(path string) *model.SessionRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	builder := ingest.NewSessionBuilder(p.name, path)
	builder.SetSessionID(geminiSessionID(payload, path))
	builder.SetWorkingDir(geminiWorkdir(payload))

	startedAt := util.ParseTimestamp(payload["startTime"])
	updatedAt := util.ParseTimestamp(payload["lastUpdated"])
	builder.RecordTimestamp(startedAt)
	builder.RecordTimestamp(updatedAt)

	normalizer := normalize.New(p.name)
	normalizedMessages, modelName := geminiMessages(payload, normalizer)
	builder.SetDiagnostics(normalizer.Diagnostics)
	for i := range normalizedMessages {
		builder.AddNormalizedMessage(&normalizedMessages[i])
	}

	if modelName != "" {
		builder.SetModel(modelName, 2)
	}

	if (startedAt.IsZero() || updatedAt.IsZero()) && len(normalizedMessages) > 0 {
		var earliest, latest time.Time
		for i := range normalizedMessages {
			ts := normalizedMessages[i].Timestamp
			if ts.IsZero() {
				continue
			}
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
			if latest.IsZero() || ts.After(latest) {
				latest = ts
			}
		}
		builder.RecordTimestamp(earliest)
		builder.RecordTimestamp(latest)
	}

	return builder.Build("")
}

func geminiSessionID(payload map[string]interface{}, path string) string {
	var conversationID interface{}
	if conversation, ok := payload["conversation"].(map[string]interface{}); ok {
		conversationID = conversation["id"]
	}
	candidate := util.CoalesceString(
		payload["sessionId"],
		payload["session_id"],
		payload["conversationId"],
		payload["conversation_id"],
		conversationID,
		payload["checkpoint_id"],
	)
	if strings.TrimSpace(candidate) != "" {
		return strings.TrimSpace(candidate)
	}

	stem := stemOf(path)
	parent := filepath.Base(filepath.Dir(path))
	if parent != "checkpoints" && parent != "history" {
		return parent + ":" + stem
	}
	grandparent := filepath.Dir(filepath.Dir(path))
	if rel, err := filepath.Rel(grandparent, path); err == nil {
		return rel
	}
	return stem
}

func geminiMessages(payload map[string]interface{}, normalizer *normalize.Normalizer) ([]model.NormalizedMessage, string) {
	rawMessages, ok := payload["messages"].([]interface{})
	if !ok {
		return nil, geminiPayloadModel(payload)
	}

	type dedupKey struct {
		role      string
		content   string
		timestamp string
	}
	seen := make(map[dedupKey]bool)
	foundModel := ""
	var normalizedMessages []model.NormalizedMessage

	for _, raw := range rawMessages {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role := util.CoalesceString(entry["role"], entry["type"], entry["speaker"])
		timestamp := util.ParseTimestamp(util.Coalesce(
			entry["timestamp"],
			entry["create_time"],
			entry["created_at"],
			entry["time"],
			entry["ts"],
		))

		normalized := normalizer.NormalizeMessage(entry, normalize.Overrides{
			Timestamp: timestamp,
			Role:      role,
		})
		if normalized == nil {
			continue
		}

		rawContent := entry["content"]
		if _, present := entry["content"]; !present {
			rawContent = entry["parts"]
		}
		key := dedupKey{
			role:    normalized.Role,
			content: strings.TrimSpace(util.StringifyContent(rawContent)),
		}
		if !timestamp.IsZero() {
			key.timestamp = timestamp.Format(time.RFC3339Nano)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		normalizedMessages = append(normalizedMessages, *normalized)

		if foundModel == "" {
			candidate, _ := entry["model"].(string)
			if candidate == "" {
				if metadata, ok := entry["metadata"].(map[string]interface{}); ok {
					candidate, _ = metadata["model"].(string)
				}
			}
			if strings.TrimSpace(candidate) != "" {
				foundModel = strings.TrimSpace(candidate)
			}
		}
	}

	if foundModel == "" {
		foundModel = geminiPayloadModel(payload)
	}
	return normalizedMessages, foundModel
}

func geminiPayloadModel(payload map[string]interface{}) string {
	if candidate, ok := payload["model"].(string); ok && strings.TrimSpace(candidate) != "" {
		return strings.TrimSpace(candidate)
	}
	return ""
}

func geminiWorkdir(payload map[string]interface{}) string {
	var candidates []interface{}
	for _, key := range []string{
		"cwd", "working_directory", "workspace_root", "project_root",
		"projectPath", "workingDir", "root",
	} {
		candidates = append(candidates, payload[key])
	}
	if metadata, ok := payload["metadata"].(map[string]interface{}); ok {
		projectMeta := metadata
		if nested, ok := metadata["project"].(map[string]interface{}); ok {
			projectMeta = nested
		}
		for _, key := range []string{"cwd", "root", "workspace", "workspace_root"} {
			candidates = append(candidates, projectMeta[key])
		}
	}
	if project, ok := payload["project"].(map[string]interface{}); ok {
		for _, key := range []string{"cwd", "workspace_root", "root"} {
			candidates = append(candidates, project[key])
		}
	}
	for _, candidate := range candidates {
		if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
