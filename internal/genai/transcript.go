package genai

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mind-engage/nmcprep/internal/storage"
)

// Transcripts writes one blob per generator call with the prompt and the raw response.
type Transcripts struct {
	blobs storage.BlobStore
	now   func() time.Time
}

func NewTranscripts(blobs storage.BlobStore) *Transcripts {
	return &Transcripts{blobs: blobs, now: time.Now}
}

// Record never fails the caller; write errors are logged.
func (t *Transcripts) Record(req Request, resp Response, callErr error) {
	if t == nil || t.blobs == nil {
		return
	}
	now := t.now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== %s ===\n", req.Op)
	fmt.Fprintf(&sb, "Time: %s\n", now.Format(time.RFC3339))
	if resp.Provider != "" {
		fmt.Fprintf(&sb, "Provider: %s\n", resp.Provider)
	}
	fmt.Fprintf(&sb, "\n--- SYSTEM ---\n%s\n", req.System)
	fmt.Fprintf(&sb, "\n--- PROMPT ---\n%s\n", req.Prompt)
	if callErr != nil {
		fmt.Fprintf(&sb, "\n--- ERROR ---\n%v\n", callErr)
	} else {
		fmt.Fprintf(&sb, "\n--- RESPONSE ---\n%s\n", resp.Content)
	}
	key := fmt.Sprintf("genai/%s/%s-%d.log", now.Format("2006-01-02"), req.Op, now.UnixNano())
	if _, err := t.blobs.Put(key, strings.NewReader(sb.String())); err != nil {
		log.Printf("genai: transcript %s: %v", key, err)
	}
}
