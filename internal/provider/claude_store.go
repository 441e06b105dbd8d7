package provider

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// The Claude CLI store schema varies between releases: table and column
// names get renamed. Everything here probes sqlite_master and table_info
// and tolerates whatever subset exists.

type conversationMeta struct {
	projectID  string
	workingDir string
	startedAt  time.Time
	updatedAt  time.Time
}

// loadStoreSessions reads store-backed conversations from the __store.db
// database. Any failure yields an empty slice.
func loadStoreSessions(dbPath string) []*model.SessionRecord {
	if !fileExists(dbPath) {
		return nil
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		telemetry.DebugWarning(fmt.Sprintf("unable to open Claude store database %s", dbPath), err)
		return nil
	}
	defer db.Close()

	projectPaths := collectProjectPaths(db)
	meta := collectConversationMeta(db)
	conversationIDs, messagesByConversation := collectConversationMessages(db)

	var sessions []*model.SessionRecord
	for _, conversationID := range conversationIDs {
		messageList := messagesByConversation[conversationID]
		if len(messageList) == 0 {
			continue
		}

		normalizer := normalize.New("claude-code")
		var normalizedMessages []model.NormalizedMessage
		for _, msg := range messageList {
			normalized := normalizer.NormalizeMessage(map[string]interface{}{
				"role":    msg.Role,
				"content": msg.Content,
			}, normalize.Overrides{Timestamp: msg.CreatedAt, Role: msg.Role})
			if normalized != nil {
				normalizedMessages = append(normalizedMessages, *normalized)
			}
		}

		var startedAt, updatedAt time.Time
		for _, msg := range messageList {
			if msg.CreatedAt.IsZero() {
				continue
			}
			if startedAt.IsZero() || msg.CreatedAt.Before(startedAt) {
				startedAt = msg.CreatedAt
			}
			if updatedAt.IsZero() || msg.CreatedAt.After(updatedAt) {
				updatedAt = msg.CreatedAt
			}
		}

		entry := meta[conversationID]
		workingDir := ""
		if entry != nil {
			workingDir = entry.workingDir
			if workingDir == "" && entry.projectID != "" {
				workingDir = projectPaths[entry.projectID]
			}
			if !entry.startedAt.IsZero() {
				startedAt = entry.startedAt
			}
			if !entry.updatedAt.IsZero() {
				updatedAt = entry.updatedAt
			}
		}

		sorted := make([]model.Message, len(messageList))
		copy(sorted, messageList)
		sort.SliceStable(sorted, func(i, j int) bool {
			return messageTimeLess(sorted[i].CreatedAt, sorted[j].CreatedAt)
		})
		sortedNormalized := make([]model.NormalizedMessage, len(normalizedMessages))
		copy(sortedNormalized, normalizedMessages)
		sort.SliceStable(sortedNormalized, func(i, j int) bool {
			return messageTimeLess(sortedNormalized[i].Timestamp, sortedNormalized[j].Timestamp)
		})

		sessions = append(sessions, &model.SessionRecord{
			Provider:           "claude-code",
			SessionID:          "store:" + conversationID,
			SourcePath:         dbPath,
			StartedAt:          startedAt,
			UpdatedAt:          updatedAt,
			WorkingDir:         workingDir,
			Messages:           sorted,
			NormalizedMessages: sortedNormalized,
			Diagnostics:        normalizer.Diagnostics,
		})
	}
	return sessions
}

func messageTimeLess(a, b time.Time) bool {
	if a.IsZero() {
		return !b.IsZero()
	}
	if b.IsZero() {
		return false
	}
	return a.Before(b)
}

func collectProjectPaths(db *sql.DB) map[string]string {
	paths := make(map[string]string)
	for _, table := range []string{"projects", "project_metadata"} {
		if !tableExists(db, table) {
			continue
		}
		columns := tableColumns(db, table)
		idColumn := firstKey(columns, "id", "project_id", "uuid")
		pathColumn := firstKey(columns,
			"absolute_path", "project_path", "workspace_root", "root_path", "path")
		if idColumn == "" || pathColumn == "" {
			continue
		}
		rows, err := queryRows(db, "SELECT "+idColumn+", "+pathColumn+" FROM "+table)
		if err != nil {
			telemetry.DebugWarning("failed to read project paths from "+table, err)
			continue
		}
		for _, row := range rows {
			identifier := rowString(row[idColumn])
			rawPath := rowString(row[pathColumn])
			if identifier != "" && strings.TrimSpace(rawPath) != "" {
				paths[identifier] = rawPath
			}
		}
	}
	return paths
}

func collectConversationMeta(db *sql.DB) map[string]*conversationMeta {
	meta := make(map[string]*conversationMeta)
	for _, table := range []string{"conversations", "conversation_summaries"} {
		ingestConversationMetaTable(db, table, meta)
	}
	return meta
}

func ingestConversationMetaTable(db *sql.DB, table string, meta map[string]*conversationMeta) {
	if !tableExists(db, table) {
		return
	}
	columns := tableColumns(db, table)
	idColumn := firstKey(columns, "conversation_id", "conversation_uuid", "id", "uuid")
	if idColumn == "" {
		return
	}
	projectColumn := firstKey(columns, "project_id", "workspace_id")
	var workdirColumns []string
	for _, key := range []string{"project_path", "workspace_root", "root_path", "path", "absolute_path"} {
		if columns[key] {
			workdirColumns = append(workdirColumns, key)
		}
	}
	var timestampColumns []string
	for _, key := range []string{"created_at", "started_at", "updated_at", "last_activity_at"} {
		if columns[key] {
			timestampColumns = append(timestampColumns, key)
		}
	}

	rows, err := queryRows(db, "SELECT * FROM "+table)
	if err != nil {
		telemetry.DebugWarning("failed to read conversation metadata from "+table, err)
		return
	}
	for _, row := range rows {
		conversationID := rowString(row[idColumn])
		if conversationID == "" {
			continue
		}
		entry := meta[conversationID]
		if entry == nil {
			entry = &conversationMeta{}
			meta[conversationID] = entry
		}

		if projectColumn != "" && entry.projectID == "" {
			entry.projectID = rowString(row[projectColumn])
		}
		if entry.workingDir == "" {
			for _, key := range workdirColumns {
				if value := rowString(row[key]); strings.TrimSpace(value) != "" {
					entry.workingDir = value
					break
				}
			}
		}
		if entry.workingDir == "" {
			for _, key := range []string{"metadata", "project", "workspace", "data"} {
				if !columns[key] {
					continue
				}
				nested, ok := util.MaybeJSON(rowString(row[key])).(map[string]interface{})
				if !ok {
					continue
				}
				if candidate := claudeEventWorkdir(nested); candidate != "" {
					entry.workingDir = candidate
					break
				}
			}
		}
		for _, key := range timestampColumns {
			parsed := util.ParseTimestamp(rowValue(row[key]))
			if parsed.IsZero() {
				continue
			}
			if entry.startedAt.IsZero() || parsed.Before(entry.startedAt) {
				entry.startedAt = parsed
			}
			if entry.updatedAt.IsZero() || parsed.After(entry.updatedAt) {
				entry.updatedAt = parsed
			}
		}
	}
}

func collectConversationMessages(db *sql.DB) ([]string, map[string][]model.Message) {
	var order []string
	conversations := make(map[string][]model.Message)
	messageTables := []struct {
		table       string
		defaultRole string
	}{
		{"conversation_messages", ""},
		{"messages", ""},
		{"base_messages", ""},
		{"assistant_messages", "assistant"},
		{"user_messages", "user"},
	}
	for _, spec := range messageTables {
		ingestMessageTable(db, spec.table, spec.defaultRole, &order, conversations)
	}
	return order, conversations
}

func ingestMessageTable(db *sql.DB, table, defaultRole string, order *[]string, conversations map[string][]model.Message) {
	if !tableExists(db, table) {
		return
	}
	columns := tableColumns(db, table)
	conversationColumn := firstKey(columns,
		"conversation_id", "conversation_uuid", "conversation", "session_id", "session_uuid")
	if conversationColumn == "" {
		return
	}
	var roleColumns []string
	for _, key := range []string{"role", "author", "speaker", "sender"} {
		if columns[key] {
			roleColumns = append(roleColumns, key)
		}
	}
	var contentColumns []string
	for _, key := range []string{"content", "text", "body", "message", "message_json", "payload"} {
		if columns[key] {
			contentColumns = append(contentColumns, key)
		}
	}
	timestampColumn := firstKey(columns, "created_at", "timestamp", "time", "ts")

	rows, err := queryRows(db, "SELECT * FROM "+table)
	if err != nil {
		telemetry.DebugWarning("failed to read conversation messages from "+table, err)
		return
	}
	for _, row := range rows {
		conversationID := rowString(row[conversationColumn])
		if conversationID == "" {
			continue
		}

		role := defaultRole
		for _, key := range roleColumns {
			if value := rowString(row[key]); strings.TrimSpace(value) != "" {
				role = value
				break
			}
		}
		if role == "" {
			role = "event"
		}

		var content interface{}
		for _, key := range contentColumns {
			value := rowValue(row[key])
			if value == nil {
				continue
			}
			if text, ok := value.(string); ok {
				if parsed := util.MaybeJSON(text); parsed != nil {
					content = parsed
				} else {
					content = text
				}
			} else {
				content = value
			}
			break
		}

		text := strings.TrimSpace(util.StringifyContent(content))
		var createdAt time.Time
		if timestampColumn != "" {
			createdAt = util.ParseTimestamp(rowValue(row[timestampColumn]))
		}

		if _, exists := conversations[conversationID]; !exists {
			*order = append(*order, conversationID)
		}
		conversations[conversationID] = append(conversations[conversationID], model.Message{
			Role:      role,
			Content:   text,
			CreatedAt: createdAt,
		})
	}
}

func tableExists(db *sql.DB, table string) bool {
	row := db.QueryRow(
		"SELECT 1 FROM sqlite_master WHERE type='table' AND name=? LIMIT 1", table)
	var one int
	return row.Scan(&one) == nil
}

func tableColumns(db *sql.DB, table string) map[string]bool {
	columns := make(map[string]bool)
	rows, err := db.Query("PRAGMA table_info('" + table + "')")
	if err != nil {
		return columns
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, columnType string
		var notNull, primaryKey int
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultValue, &primaryKey); err != nil {
			continue
		}
		columns[name] = true
	}
	return columns
}

func firstKey(columns map[string]bool, candidates ...string) string {
	for _, key := range candidates {
		if columns[key] {
			return key
		}
	}
	return ""
}

// queryRows runs a query and materializes every row as a column-name map.
func queryRows(db *sql.DB, query string) ([]map[string]interface{}, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columnNames))
		pointers := make([]interface{}, len(columnNames))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			continue
		}
		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			row[name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// rowValue converts SQLite driver values into plain Go values.
func rowValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}

func rowString(value interface{}) string {
	switch v := rowValue(value).(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
