package log

import (
	"testing"
)

func TestMockCollectsMessages(t *testing.T) {
	mock := NewMock()
	mock.Info("hello world")
	mock.Warningf("watch out for %s", "bears")
	mock.AuditErr("bad thing")

	all := mock.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(all), all)
	}

	warnings := mock.GetAllMatching(`^WARNING: watch out`)
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}

	audits := mock.GetAllMatching(`\[AUDIT\]`)
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit message, got %v", audits)
	}

	mock.Clear()
	if len(mock.GetAll()) != 0 {
		t.Fatal("Clear should drop stored messages")
	}
}

func TestEscapeNewlines(t *testing.T) {
	escaped := escapeNewlines("two\nlines")
	if escaped != "two\\nlines" {
		t.Fatalf("newline not escaped: %q", escaped)
	}
}

func TestStdoutLoggerDoesNotPanic(t *testing.T) {
	logger := StdoutLogger(0)
	logger.Debug("below the level, dropped")
	logger.Err("also fine")
}
