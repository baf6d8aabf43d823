package hooks

import (
	"context"
	"os"
	"path/filepath"
)

// DirName is the drop-box directory name under the OS temp dir.
const DirName = "devark-hooks"

// DropBoxDir returns the well-known drop-box path external hook scripts
// write to.
func DropBoxDir() string {
	return filepath.Join(os.TempDir(), DirName)
}

// Prompt sources.
const (
	SourceCursor     = "cursor"
	SourceClaudeCode = "claude_code"
)

// PromptRecord is one captured prompt drop.
type PromptRecord struct {
	ID             string   `json:"id"`
	Timestamp      string   `json:"timestamp"`
	Prompt         string   `json:"prompt"`
	Source         string   `json:"source"`
	Attachments    []string `json:"attachments,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	GenerationID   string   `json:"generationId,omitempty"`
	Model          string   `json:"model,omitempty"`
	CursorVersion  string   `json:"cursorVersion,omitempty"`
	WorkspaceRoots []string `json:"workspaceRoots,omitempty"`
	UserEmail      string   `json:"userEmail,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
}

// ResponseRecord is one captured agent response drop.
type ResponseRecord struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	Source         string `json:"source"`
	Response       string `json:"response"`
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	PromptID       string `json:"promptId,omitempty"`
}

// LinkKey returns the deterministic key joining a prompt with its response:
// "cursor:"+conversationId for Cursor, "claude:"+sessionId for Claude Code.
// Empty when the record carries no usable identifier.
func (p PromptRecord) LinkKey() string {
	return linkKey(p.Source, p.ConversationID, p.SessionID)
}

// LinkKey is the response-side counterpart of PromptRecord.LinkKey.
func (r ResponseRecord) LinkKey() string {
	return linkKey(r.Source, r.ConversationID, r.SessionID)
}

func linkKey(source, conversationID, sessionID string) string {
	switch source {
	case SourceCursor:
		if conversationID != "" {
			return "cursor:" + conversationID
		}
	case SourceClaudeCode:
		if sessionID != "" {
			return "claude:" + sessionID
		}
	default:
		// Response files from older hook scripts omit source; fall back to
		// whichever identifier is present.
		if conversationID != "" {
			return "cursor:" + conversationID
		}
		if sessionID != "" {
			return "claude:" + sessionID
		}
	}
	return ""
}

// SessionStore receives linked prompt/response records. Implementations must
// be idempotent on record id; the pipeline may emit duplicates across
// process restarts.
type SessionStore interface {
	// OnPromptDetected stores a prompt and returns its id for linking.
	OnPromptDetected(ctx context.Context, record PromptRecord) (string, error)
	// AddResponse attaches a response to a previously stored prompt.
	AddResponse(ctx context.Context, promptID string, record ResponseRecord) error
}
