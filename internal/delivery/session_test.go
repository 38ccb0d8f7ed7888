package delivery

import (
	"context"
	"testing"
)

func TestSession_StartSeedsFirstDelta(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())

	if err := s.Start(context.Background(), "hello"); err != nil {
		t.Fatalf("start: %v", err)
	}

	wantOps := []string{"start", "append"}
	if got := tr.ops(); len(got) != 2 || got[0] != wantOps[0] || got[1] != wantOps[1] {
		t.Fatalf("expected ops %v, got %v", wantOps, got)
	}
	if appends := tr.callsOf("append"); appends[0].text != "hello" {
		t.Fatalf("seed should be appended verbatim, got %q", appends[0].text)
	}
	if s.LastText() != "hello" {
		t.Fatalf("expected tracked snapshot 'hello', got %q", s.LastText())
	}
}

func TestSession_StartWithoutSeed(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(tr.callsOf("append")) != 0 {
		t.Fatal("empty seed must not produce an append")
	}
}

func TestSession_AppendSnapshotTracksExtension(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())
	ctx := context.Background()

	if err := s.Start(ctx, "first block"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.AppendSnapshot(ctx, "first block second block"); err != nil {
		t.Fatalf("append snapshot: %v", err)
	}

	appends := tr.callsOf("append")
	if len(appends) != 2 {
		t.Fatalf("expected 2 appends, got %d", len(appends))
	}
	if appends[1].text != " second block" {
		t.Fatalf("expected suffix-only delta, got %q", appends[1].text)
	}
}

func TestSession_ShrinkKeepsSnapshot(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())
	ctx := context.Background()

	if err := s.Start(ctx, "abc"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Text shrank: nothing to append, and the snapshot must stay "abc" so a
	// later re-extension does not re-send already-streamed text.
	if err := s.AppendSnapshot(ctx, "ab"); err != nil {
		t.Fatalf("shrink append: %v", err)
	}
	if got := len(tr.callsOf("append")); got != 1 {
		t.Fatalf("shrink must not append, got %d appends", got)
	}

	if err := s.AppendSnapshot(ctx, "abcdef"); err != nil {
		t.Fatalf("re-extension append: %v", err)
	}
	appends := tr.callsOf("append")
	if appends[len(appends)-1].text != "def" {
		t.Fatalf("expected delta 'def' after shrink, got %q", appends[len(appends)-1].text)
	}
}

func TestSession_DivergenceAppendsNewParagraph(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())
	ctx := context.Background()

	if err := s.Start(ctx, "hello world"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.AppendSnapshot(ctx, "something else"); err != nil {
		t.Fatalf("divergent append: %v", err)
	}

	appends := tr.callsOf("append")
	// Pin the literal: divergence is a newline plus the full new text.
	if appends[len(appends)-1].text != "\nsomething else" {
		t.Fatalf("expected literal \"\\nsomething else\", got %q", appends[len(appends)-1].text)
	}
	if s.LastText() != "something else" {
		t.Fatalf("snapshot should be replaced wholesale, got %q", s.LastText())
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())
	ctx := context.Background()

	if err := s.Start(ctx, "hi"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(ctx, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx, ""); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := s.Stop(ctx, "tail"); err != nil {
		t.Fatalf("third stop: %v", err)
	}

	if got := len(tr.callsOf("stop")); got != 1 {
		t.Fatalf("expected exactly one transport stop, got %d", got)
	}
	if !s.Stopped() {
		t.Fatal("session should report stopped")
	}
}

func TestSession_NoAppendAfterStop(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())
	ctx := context.Background()

	if err := s.Start(ctx, "hi"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(ctx, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := s.AppendSnapshot(ctx, "hi there"); err == nil {
		t.Fatal("expected error appending to a stopped session")
	}
	if got := len(tr.callsOf("append")); got != 1 {
		t.Fatalf("stopped session must not reach the transport, got %d appends", got)
	}
}

func TestSession_StopBeforeStartSkipsTransport(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, "C1", "111.222", testLogger())

	if err := s.Stop(context.Background(), ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("pending session stop must not touch the transport, got %v", tr.ops())
	}
	if err := s.Start(context.Background(), "late"); err == nil {
		t.Fatal("expected error starting a stopped session")
	}
}
