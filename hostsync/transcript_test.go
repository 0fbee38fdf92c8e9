package hostsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hostfolio/rentals_backend/models"
)

func TestWriteTranscriptRendersMessages(t *testing.T) {
	dir := t.TempDir()
	sentAt := time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)
	msgs := []*models.Message{
		{SenderRole: "guest", Body: "Is early check-in possible?", SentAt: sentAt},
		{SenderRole: "host", Body: "Yes, from noon.", SentAt: sentAt.Add(10 * time.Minute)},
	}

	if err := writeTranscript(dir, 77, "Seaside Flat", "Ana Silva", msgs); err != nil {
		t.Fatalf("writeTranscript: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Seaside Flat - Ana Silva - 77.txt"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "Conversation 77") {
		t.Fatalf("missing header: %q", text)
	}
	if !strings.Contains(text, "[2026-05-01 09:15] guest: Is early check-in possible?") {
		t.Fatalf("missing guest line: %q", text)
	}
	if !strings.Contains(text, "host: Yes, from noon.") {
		t.Fatalf("missing host line: %q", text)
	}
}

func TestWriteTranscriptDisabledWithoutDir(t *testing.T) {
	if err := writeTranscript("", 1, "x", "y", nil); err != nil {
		t.Fatalf("empty dir should be a no-op, got %v", err)
	}
}
