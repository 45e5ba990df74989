package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/visiodeibc/omnirelay/internal/storage"
)

// Job list cursors are an opaque base64 of "<created_at unix nanos>|<job id>",
// matching the (created_at, id) sort key of ListJobs. URL-safe alphabet,
// since cursors travel in query strings.

// DecodeJobCursor parses a cursor string. Empty input means first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at in cursor: %w", err)
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, createdAt),
		JobID:     parts[1],
	}, nil
}

// EncodeJobCursor renders a cursor for the page after the given position.
func EncodeJobCursor(cursor *storage.JobCursor) string {
	raw := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
