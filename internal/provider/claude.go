package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
	"github.com/kmckiern/agent-sessions/internal/util"
)

var uuidPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ClaudeProvider reads Claude Code CLI logs: per-project JSONL transcripts
// plus the __store.db SQLite database some builds maintain. Sessions that
// appear in both are merged.
type ClaudeProvider struct {
	Base

	workdirCache map[string]string
}

// NewClaudeProvider creates the provider. An empty baseDir resolves via
// CLAUDE_HOME, falling back to ~/.claude.
func NewClaudeProvider(baseDir string) *ClaudeProvider {
	return &ClaudeProvider{
		Base: newBase(
			"claude-code",
			"provider.ClaudeProvider",
			"CLAUDE_HOME",
			".claude",
			[]string{"projects/*/**/*.jsonl"},
			baseDir,
		),
		workdirCache: make(map[string]string),
	}
}

// claudeSessionID derives a compact session id from a log path.
func claudeSessionID(path string) string {
	stem := stemOf(path)
	if uuidPattern.MatchString(stem) {
		return stem
	}

	var parts []string
	for _, part := range strings.Split(stem, "-") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) >= 5 {
		return strings.Join(parts[len(parts)-5:], "-")
	}
	if len(stem) >= 8 {
		return stem
	}
	parent := filepath.Base(filepath.Dir(path))
	if parent != "" && parent != "." && parent != string(filepath.Separator) {
		return parent + ":" + stem
	}
	return stem
}

func (p *ClaudeProvider) storePath() string {
	return filepath.Join(p.baseDir, "__store.db")
}

// CacheValidationPaths includes the store database alongside transcripts so
// store-only changes invalidate the snapshot.
func (p *ClaudeProvider) CacheValidationPaths() []string {
	paths := p.sessionPaths()
	if store := p.storePath(); fileExists(store) {
		paths = append(paths, store)
	}
	return paths
}

func (p *ClaudeProvider) Sessions() []*model.SessionRecord {
	bySession := make(map[string]*model.SessionRecord)
	var order []string

	for _, path := range p.sessionPaths() {
		record := p.buildCached(path, p.buildSessionFromPath)
		if record == nil {
			continue
		}
		if _, exists := bySession[record.SessionID]; !exists {
			order = append(order, record.SessionID)
		}
		bySession[record.SessionID] = record
	}

	for _, record := range loadStoreSessions(p.storePath()) {
		if existing, ok := bySession[record.SessionID]; ok {
			bySession[record.SessionID] = ingest.MergeSessionRecords(existing, record)
		} else {
			order = append(order, record.SessionID)
			bySession[record.SessionID] = record
		}
	}

	records := make([]*model.SessionRecord, 0, len(order))
	for _, id := range order {
		records = append(records, bySession[id])
	}
	return sortRecords(records)
}

// LoadSessionFromSourcePath parses a single transcript, confined to the
// provider's base directory. Store-backed sessions have no direct path.
func (p *ClaudeProvider) LoadSessionFromSourcePath(sourcePath, sessionID string) *model.SessionRecord {
	resolved, ok := pathWithin(p.baseDir, sourcePath)
	if !ok {
		return nil
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() || filepath.Ext(resolved) != ".jsonl" {
		return nil
	}
	record := p.buildCached(resolved, p.buildSessionFromPath)
	if record == nil {
		return nil
	}
	if sessionID != "" && record.SessionID != sessionID {
		return nil
	}
	return record
}

func (p *ClaudeProvider) buildSessionFromPath(path string) *model.SessionRecord {
	builder := ingest.NewSessionBuilder(p.name, path)
	builder.SetSessionID(claudeSessionID(path))
	builder.SetWorkingDir(p.projectWorkdirFor(path))
	normalizer := normalize.New(p.name)

	ingest.EachJSONL(path, func(event map[string]interface{}) {
		p.handleEvent(builder, normalizer, event)
	})

	builder.SetDiagnostics(normalizer.Diagnostics)
	return builder.Build("")
}

func (p *ClaudeProvider) handleEvent(builder *ingest.SessionBuilder, normalizer *normalize.Normalizer, event map[string]interface{}) {
	timestamp := claudeEventTimestamp(event)
	builder.RecordTimestamp(timestamp)
	builder.SetWorkingDir(claudeEventWorkdir(event))

	payload, ok := event["message"].(map[string]interface{})
	if !ok {
		return
	}

	if modelName, ok := payload["model"].(string); ok && strings.TrimSpace(modelName) != "" {
		priority := 1
		if payload["role"] == "assistant" {
			priority = 2
		}
		builder.SetModel(modelName, priority)
	}

	normalized := normalizer.NormalizeMessage(payload, normalize.Overrides{Timestamp: timestamp})
	if normalized != nil {
		builder.AddNormalizedMessage(normalized)
	}
}

// projectWorkdirFor resolves the working directory recorded in the project
// metadata next to the transcript, memoized per project directory.
func (p *ClaudeProvider) projectWorkdirFor(path string) string {
	projectsRoot := filepath.Join(p.baseDir, "projects")
	rel, err := filepath.Rel(projectsRoot, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	projectDir := filepath.Join(projectsRoot, parts[0])
	if workdir, ok := p.workdirCache[projectDir]; ok {
		return workdir
	}
	workdir := projectMetadataWorkdir(projectDir)
	p.workdirCache[projectDir] = workdir
	return workdir
}

var projectMetadataFiles = []string{
	"project.json",
	"metadata.json",
	"project_metadata.json",
	"manifest.json",
}

var workdirMetadataKeys = []string{
	"absolutePath", "projectPath", "workspaceRoot", "rootPath", "path",
}

func projectMetadataWorkdir(projectDir string) string {
	for _, name := range projectMetadataFiles {
		candidate := filepath.Join(projectDir, name)
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			telemetry.DebugWarning(fmt.Sprintf("skipping unreadable project metadata %s", candidate), err)
			continue
		}
		for _, key := range workdirMetadataKeys {
			if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
				return value
			}
		}
		for _, container := range []string{"project", "workspace", "meta"} {
			nested, ok := payload[container].(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range workdirMetadataKeys {
				if value, ok := nested[key].(string); ok && strings.TrimSpace(value) != "" {
					return value
				}
			}
		}
	}
	return ""
}

func claudeEventTimestamp(event map[string]interface{}) time.Time {
	var fromMessage []interface{}
	if payload, ok := event["message"].(map[string]interface{}); ok {
		fromMessage = []interface{}{payload["timestamp"], payload["createdAt"]}
	}
	candidates := []interface{}{
		event["timestamp"], event["created_at"], event["time"], event["ts"],
	}
	candidates = append(candidates, fromMessage...)
	return util.ParseTimestamp(util.Coalesce(candidates...))
}

func claudeEventWorkdir(event map[string]interface{}) string {
	candidates := []interface{}{
		event["cwd"],
		event["workspace_root"],
		event["project_path"],
	}
	for _, key := range []string{"workspace", "project", "session", "context"} {
		if nested, ok := event[key].(map[string]interface{}); ok {
			candidates = append(candidates,
				nested["cwd"], nested["workspace_root"], nested["project_path"],
				nested["root"], nested["path"])
		}
	}
	for _, candidate := range candidates {
		if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
