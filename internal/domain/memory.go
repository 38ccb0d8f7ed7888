package domain

import (
	"context"
	"time"
)

// HistoryEntry is one stored line of conversation history.
type HistoryEntry struct {
	ID        int64
	ConvKey   string
	Role      string // user | assistant
	Content   string
	CreatedAt time.Time
}

// HistoryStore persists conversation history per conversation key
// ("channel:chatID") and enforces the configured history limit.
type HistoryStore interface {
	SaveMessage(ctx context.Context, convKey, role, content string) error
	RecentMessages(ctx context.Context, convKey string, limit int) ([]HistoryEntry, error)

	// TrimHistory deletes the oldest entries beyond limit and returns how
	// many were removed.
	TrimHistory(ctx context.Context, convKey string, limit int) (int, error)

	Close() error
}
