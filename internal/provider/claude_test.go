package provider

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func claudeFixture(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "projects", "-home-dev-proj",
		"0196fdb5-02d9-7e34-9943-ea24e30f0b60.jsonl")
	writeLines(t, path,
		`{"timestamp": "2024-05-01T10:00:00Z", "cwd": "/home/dev/proj", "message": {"role": "user", "content": "hello"}}`,
		`{"timestamp": "2024-05-01T10:00:04Z", "message": {"role": "assistant", "model": "claude-sonnet-4", "content": [{"type": "text", "text": "hi"}]}}`,
	)
	return base, path
}

func TestClaudeSessionID(t *testing.T) {
	cases := map[string]string{
		"/x/0196fdb5-02d9-7e34-9943-ea24e30f0b60.jsonl": "0196fdb5-02d9-7e34-9943-ea24e30f0b60",
		"/x/prefix-a-b-c-d-e.jsonl":                     "a-b-c-d-e",
		"/x/longstem.jsonl":                             "longstem",
		"/parent/ab.jsonl":                              "parent:ab",
	}
	for path, want := range cases {
		if got := claudeSessionID(path); got != want {
			t.Errorf("claudeSessionID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClaudeSessions(t *testing.T) {
	base, _ := claudeFixture(t)
	p := NewClaudeProvider(base)
	records := p.Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	record := records[0]
	if record.SessionID != "0196fdb5-02d9-7e34-9943-ea24e30f0b60" {
		t.Errorf("session id = %q", record.SessionID)
	}
	if record.WorkingDir != "/home/dev/proj" {
		t.Errorf("working dir = %q", record.WorkingDir)
	}
	if record.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", record.Model)
	}
	if len(record.Messages) != 2 {
		t.Errorf("messages = %+v", record.Messages)
	}
}

func TestClaudeProjectMetadataWorkdir(t *testing.T) {
	base := t.TempDir()
	projectDir := filepath.Join(base, "projects", "-home-dev-proj")
	writeLines(t, filepath.Join(projectDir, "project.json"),
		`{"absolutePath": "/home/dev/proj"}`)
	path := filepath.Join(projectDir, "0196fdb5-02d9-7e34-9943-ea24e30f0b60.jsonl")
	writeLines(t, path,
		`{"timestamp": "2024-05-01T10:00:00Z", "message": {"role": "user", "content": "no cwd here"}}`,
	)

	records := NewClaudeProvider(base).Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].WorkingDir != "/home/dev/proj" {
		t.Errorf("working dir = %q", records[0].WorkingDir)
	}
}

func seedStore(t *testing.T, base string) string {
	t.Helper()
	dbPath := filepath.Join(base, "__store.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE projects (id TEXT, absolute_path TEXT)`,
		`INSERT INTO projects VALUES ('p1', '/home/dev/proj')`,
		`CREATE TABLE conversations (conversation_id TEXT, project_id TEXT, created_at TEXT, updated_at TEXT)`,
		`INSERT INTO conversations VALUES ('conv-1', 'p1', '2024-05-01T09:00:00Z', '2024-05-01T11:00:00Z')`,
		`CREATE TABLE messages (conversation_id TEXT, role TEXT, content TEXT, created_at TEXT)`,
		`INSERT INTO messages VALUES ('conv-1', 'user', 'store hello', '2024-05-01T09:00:00Z')`,
		`INSERT INTO messages VALUES ('conv-1', 'assistant', 'store reply', '2024-05-01T09:00:05Z')`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return dbPath
}

func TestLoadStoreSessions(t *testing.T) {
	base := t.TempDir()
	dbPath := seedStore(t, base)

	sessions := loadStoreSessions(dbPath)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	record := sessions[0]
	if record.SessionID != "store:conv-1" {
		t.Errorf("session id = %q", record.SessionID)
	}
	if record.WorkingDir != "/home/dev/proj" {
		t.Errorf("working dir = %q (should resolve via project_id)", record.WorkingDir)
	}
	if len(record.Messages) != 2 || record.Messages[0].Content != "store hello" {
		t.Errorf("messages = %+v", record.Messages)
	}
	// Conversation metadata timestamps take precedence over message times.
	if record.StartedAt.Format("15:04") != "09:00" || record.UpdatedAt.Format("15:04") != "11:00" {
		t.Errorf("bounds = %v..%v", record.StartedAt, record.UpdatedAt)
	}
	if len(record.NormalizedMessages) != 2 {
		t.Errorf("normalized = %+v", record.NormalizedMessages)
	}
}

func TestLoadStoreSessionsMissingDB(t *testing.T) {
	if sessions := loadStoreSessions(filepath.Join(t.TempDir(), "absent.db")); sessions != nil {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestClaudeSessionsMergeStoreAndFiles(t *testing.T) {
	base, _ := claudeFixture(t)
	seedStore(t, base)

	records := NewClaudeProvider(base).Sessions()
	if len(records) != 2 {
		t.Fatalf("records = %d, want file session + store session", len(records))
	}
	ids := map[string]bool{}
	for _, record := range records {
		ids[record.SessionID] = true
	}
	if !ids["store:conv-1"] || !ids["0196fdb5-02d9-7e34-9943-ea24e30f0b60"] {
		t.Errorf("ids = %v", ids)
	}
}

func TestClaudeCacheValidationPathsIncludeStore(t *testing.T) {
	base, path := claudeFixture(t)
	dbPath := seedStore(t, base)

	paths := NewClaudeProvider(base).CacheValidationPaths()
	found := map[string]bool{}
	for _, p := range paths {
		found[p] = true
	}
	if !found[path] || !found[dbPath] {
		t.Errorf("paths = %v", paths)
	}
}

func TestClaudeDirectLoadConfinement(t *testing.T) {
	base, path := claudeFixture(t)
	p := NewClaudeProvider(base)

	if record := p.LoadSessionFromSourcePath(path, ""); record == nil {
		t.Error("expected record for in-tree transcript")
	}
	outside := filepath.Join(t.TempDir(), "outside.jsonl")
	writeLines(t, outside, `{"message": {"role": "user", "content": "x"}}`)
	if record := p.LoadSessionFromSourcePath(outside, ""); record != nil {
		t.Error("outside path should be rejected")
	}
	if record := p.LoadSessionFromSourcePath(filepath.Join(base, "__store.db"), ""); record != nil {
		t.Error("non-jsonl path should be rejected")
	}
}

func TestTableSniffing(t *testing.T) {
	base := t.TempDir()
	dbPath := filepath.Join(base, "__store.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE user_messages (session_uuid TEXT, body TEXT, ts INTEGER)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO user_messages VALUES ('conv-9', 'alt schema works', 1714557600)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	sessions := loadStoreSessions(dbPath)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	record := sessions[0]
	if record.SessionID != "store:conv-9" {
		t.Errorf("session id = %q", record.SessionID)
	}
	if record.Messages[0].Role != "user" || record.Messages[0].Content != "alt schema works" {
		t.Errorf("message = %+v", record.Messages[0])
	}
	if record.Messages[0].CreatedAt.IsZero() {
		t.Error("epoch timestamp should parse")
	}
	_ = os.Remove(dbPath)
}
