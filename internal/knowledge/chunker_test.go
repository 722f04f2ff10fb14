package knowledge

import (
	"strings"
	"testing"
)

func TestChunks_windowAndOverlap(t *testing.T) {
	text := strings.Repeat("a", 1000)
	got := Chunks(text, 500, 50)
	if len(got) != 3 {
		t.Fatalf("Chunks(1000 chars, W=500, O=50): %d chunks, want 3", len(got))
	}
	if len(got[0]) != 500 || len(got[1]) != 500 {
		t.Errorf("chunk lengths = %d, %d, want 500, 500", len(got[0]), len(got[1]))
	}
	// step is 450, so the last chunk starts at 900
	if len(got[2]) != 100 {
		t.Errorf("last chunk length = %d, want 100", len(got[2]))
	}
}

func TestChunks_shortInput(t *testing.T) {
	got := Chunks("short", 500, 50)
	if len(got) != 1 || got[0] != "short" {
		t.Errorf("Chunks(short) = %v, want one chunk", got)
	}
}

func TestChunks_empty(t *testing.T) {
	if got := Chunks("", 500, 50); len(got) != 0 {
		t.Errorf("Chunks(empty) = %v, want none", got)
	}
}

func TestChunks_runesNotBytes(t *testing.T) {
	text := strings.Repeat("ä", 10)
	got := Chunks(text, 4, 0)
	for i, c := range got {
		if strings.ContainsRune(c, '�') {
			t.Errorf("chunk %d split inside a rune: %q", i, c)
		}
	}
	if joined := strings.Join(got, ""); joined != text {
		t.Errorf("chunks with zero overlap do not reassemble the input")
	}
}

func TestChunks_badKnobsClamped(t *testing.T) {
	text := strings.Repeat("b", 900)
	// overlap >= window must not loop forever
	got := Chunks(text, 100, 200)
	if len(got) == 0 {
		t.Fatal("no chunks")
	}
	if got2 := Chunks(text, 0, 0); len(got2) != 2 {
		t.Errorf("Chunks with default window: %d chunks, want 2", len(got2))
	}
}
