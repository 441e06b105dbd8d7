package provider

import (
	"path/filepath"
	"testing"
)

func geminiCheckpoint(t *testing.T, base, relPath, content string) string {
	t.Helper()
	path := filepath.Join(base, relPath)
	writeLines(t, path, content)
	return path
}

func TestGeminiSessions(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "tmp/hash123/chats/session-1.json",
		`{"sessionId": "sess-1", "startTime": "2024-05-01T10:00:00Z", "lastUpdated": "2024-05-01T11:00:00Z", "cwd": "/home/dev/proj", "messages": [{"role": "user", "content": "hi gemini", "model": "gemini-2.0-pro"}, {"role": "model", "content": "hello"}]}`)

	p := NewGeminiProvider(base)
	records := p.Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	record := records[0]
	if record.SessionID != "sess-1" {
		t.Errorf("session id = %q", record.SessionID)
	}
	if record.WorkingDir != "/home/dev/proj" {
		t.Errorf("working dir = %q", record.WorkingDir)
	}
	if record.Model != "gemini-2.0-pro" {
		t.Errorf("model = %q", record.Model)
	}
	if len(record.NormalizedMessages) != 2 {
		t.Errorf("normalized = %+v", record.NormalizedMessages)
	}
	if record.StartedAt.IsZero() || record.UpdatedAt.IsZero() {
		t.Errorf("bounds = %v..%v", record.StartedAt, record.UpdatedAt)
	}
}

func TestGeminiNewestCheckpointWins(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "checkpoints/old.json",
		`{"sessionId": "dup", "lastUpdated": "2024-05-01T10:00:00Z", "messages": [{"role": "user", "content": "old"}]}`)
	geminiCheckpoint(t, base, "checkpoints/new.json",
		`{"sessionId": "dup", "lastUpdated": "2024-05-02T10:00:00Z", "messages": [{"role": "user", "content": "new"}]}`)

	records := NewGeminiProvider(base).Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Messages[0].Content != "new" {
		t.Errorf("content = %q, want the newer checkpoint", records[0].Messages[0].Content)
	}
}

func TestGeminiSessionIDFallsBackToPath(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "tmp/hash123/chats/chat-7.json",
		`{"messages": [{"role": "user", "content": "anonymous"}]}`)

	records := NewGeminiProvider(base).Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].SessionID != "chats:chat-7" {
		t.Errorf("session id = %q", records[0].SessionID)
	}
}

func TestGeminiMessageTimesFillMissingBounds(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "checkpoints/c.json",
		`{"sessionId": "times", "messages": [{"role": "user", "content": "a", "timestamp": "2024-05-01T10:00:00Z"}, {"role": "model", "content": "b", "timestamp": "2024-05-01T10:05:00Z"}]}`)

	records := NewGeminiProvider(base).Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	record := records[0]
	if record.StartedAt.Format("15:04") != "10:00" || record.UpdatedAt.Format("15:04") != "10:05" {
		t.Errorf("bounds = %v..%v", record.StartedAt, record.UpdatedAt)
	}
}

func TestGeminiIgnoresInvalidJSON(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "checkpoints/broken.json", `{not json`)
	if records := NewGeminiProvider(base).Sessions(); len(records) != 0 {
		t.Errorf("records = %+v", records)
	}
}

func TestGeminiDedupMessages(t *testing.T) {
	base := t.TempDir()
	geminiCheckpoint(t, base, "checkpoints/d.json",
		`{"sessionId": "dedup", "messages": [{"role": "user", "content": "same", "timestamp": "2024-05-01T10:00:00Z"}, {"role": "user", "content": "same", "timestamp": "2024-05-01T10:00:00Z"}]}`)

	records := NewGeminiProvider(base).Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if len(records[0].NormalizedMessages) != 1 {
		t.Errorf("normalized = %+v", records[0].NormalizedMessages)
	}
}
