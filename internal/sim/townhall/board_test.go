package townhall

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPost_PerCycleCap(t *testing.T) {
	b := New(2, 0)
	if !b.Post(0, 3, "alice", "hi") || !b.Post(0, 3, "alice", "again") {
		t.Fatalf("first two posts should be accepted")
	}
	if b.Post(0, 3, "alice", "third") {
		t.Fatalf("third post in the same cycle should be rejected")
	}
	if !b.Post(0, 3, "bob", "hello") {
		t.Fatalf("cap is per agent")
	}
	if !b.Post(1, 6, "alice", "new cycle") {
		t.Fatalf("cap resets each cycle")
	}
	if b.Len() != 4 || b.Total() != 4 {
		t.Fatalf("len=%d total=%d", b.Len(), b.Total())
	}
}

func TestPost_RejectsEmpty(t *testing.T) {
	b := New(0, 0)
	if b.Post(0, 1, "alice", "   ") {
		t.Fatalf("blank text accepted")
	}
	if b.Post(0, 1, "", "text") {
		t.Fatalf("blank author accepted")
	}
	if b.Len() != 0 {
		t.Fatalf("len=%d", b.Len())
	}
}

func TestPost_TruncatesLongText(t *testing.T) {
	b := New(0, 0)
	b.Post(0, 1, "alice", strings.Repeat("x", MaxTextLen+10))
	if got := len(b.Recent(1)[0].Text); got != MaxTextLen {
		t.Fatalf("text len=%d", got)
	}
}

func TestPost_TruncatesOnRuneBoundary(t *testing.T) {
	b := New(0, 0)
	// "x" then two-byte runes puts a continuation byte at MaxTextLen.
	b.Post(0, 1, "alice", "x"+strings.Repeat("é", MaxTextLen))
	got := b.Recent(1)[0].Text
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid utf-8")
	}
	if len(got) != MaxTextLen-1 {
		t.Fatalf("text len=%d want %d", len(got), MaxTextLen-1)
	}
}

func TestHistoryLimit(t *testing.T) {
	b := New(0, 3)
	for i := 0; i < 5; i++ {
		b.Post(i, uint64(i), "alice", "msg")
	}
	if b.Len() != 3 || b.Total() != 5 {
		t.Fatalf("len=%d total=%d", b.Len(), b.Total())
	}
	recent := b.Recent(10)
	if recent[0].Cycle != 2 || recent[2].Cycle != 4 {
		t.Fatalf("recent=%+v", recent)
	}
	if recent[2].PostID != "M000005" {
		t.Fatalf("post id=%s", recent[2].PostID)
	}
	if len(b.Cycle(0)) != 0 || len(b.Cycle(4)) != 1 {
		t.Fatalf("cycle lookup wrong")
	}
}
