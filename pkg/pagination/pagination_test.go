package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeLimit(t *testing.T) {
	if got := NormalizeLimit(0); got != DefaultLimit {
		t.Fatalf("expected default limit, got %d", got)
	}
	if got := NormalizeLimit(-5); got != DefaultLimit {
		t.Fatalf("expected default limit for negative input, got %d", got)
	}
	if got := NormalizeLimit(MaxLimit + 50); got != MaxLimit {
		t.Fatalf("expected capped limit, got %d", got)
	}
	if got := NormalizeLimit(10); got != 10 {
		t.Fatalf("expected pass-through limit, got %d", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ID:        uuid.New(),
	}
	out, err := ParseCursor(EncodeCursor(in))
	if err != nil {
		t.Fatalf("ParseCursor failed: %v", err)
	}
	if out == nil {
		t.Fatal("expected a cursor")
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || out.ID != in.ID {
		t.Fatalf("cursor mismatch: got %+v want %+v", out, in)
	}
}

func TestParseCursorEmptyAndInvalid(t *testing.T) {
	cursor, err := ParseCursor("  ")
	if err != nil || cursor != nil {
		t.Fatalf("expected empty cursor to yield nil, got %+v err=%v", cursor, err)
	}
	if _, err := ParseCursor("not-base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ParseCursor("aGVsbG8="); err == nil {
		t.Fatal("expected format error")
	}
}

func TestTrimPage(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	trimmed, more := TrimPage(rows, 3)
	if !more {
		t.Fatal("expected more pages")
	}
	if len(trimmed) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(trimmed))
	}

	trimmed, more = TrimPage(rows, 10)
	if more {
		t.Fatal("did not expect more pages")
	}
	if len(trimmed) != 4 {
		t.Fatalf("expected all rows back, got %d", len(trimmed))
	}
}
