package hostsync

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hostfolio/rentals_backend/models"
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._ -]+`)

func transcriptDirFromEnv() string {
	dir := strings.TrimSpace(os.Getenv("TRANSCRIPT_DIR"))
	if dir == "" {
		dir = "transcripts"
	}
	return dir
}

// sanitizeFileName strips path separators and anything else unsafe from
// a listing/guest derived name.
func sanitizeFileName(s string) string {
	s = unsafeFileChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._ ")
	if s == "" {
		s = "unknown"
	}
	return s
}

// writeTranscript renders one conversation as a plain-text file. This is
// a presentation artifact: callers capture the error against the
// conversation and carry on, it never fails the database write.
func writeTranscript(dir string, conversationId int64, listingName, guestName string, messages []*models.Message) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("%s - %s - %d.txt", sanitizeFileName(listingName), sanitizeFileName(guestName), conversationId)
	path := filepath.Join(dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %d\nListing: %s\nGuest: %s\n\n", conversationId, listingName, guestName)
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.Format("2006-01-02 15:04"), m.SenderRole, m.Body)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
