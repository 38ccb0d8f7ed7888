package channel

import (
	"strings"
	"testing"
)

func TestSplitMessage_ShortPassesThrough(t *testing.T) {
	chunks := splitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("expected single chunk, got %v", chunks)
	}
}

func TestSplitMessage_PrefersNewlineCut(t *testing.T) {
	msg := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("expected cut after newline, got chunk ending %q", chunks[0][len(chunks[0])-1:])
	}
	if chunks[1] != strings.Repeat("b", 60) {
		t.Fatalf("unexpected second chunk %q", chunks[1])
	}
}

func TestSplitMessage_HardCutWithoutNewline(t *testing.T) {
	msg := strings.Repeat("x", 250)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 50 {
		t.Fatalf("unexpected chunk lengths %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if strings.Join(chunks, "") != msg {
		t.Fatal("chunks do not reassemble the original message")
	}
}

func TestSplitMessage_IgnoresEarlyNewline(t *testing.T) {
	// A newline in the first half is worse than a hard cut.
	msg := "ab\n" + strings.Repeat("c", 200)
	chunks := splitMessage(msg, 100)
	if len(chunks[0]) != 100 {
		t.Fatalf("expected hard cut at 100, got %d", len(chunks[0]))
	}
}
