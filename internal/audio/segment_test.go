package audio

import "testing"

func TestSequenceGeneratorResume(t *testing.T) {
	g := NewSequenceGenerator()
	if got := g.Next(); got != 1 {
		t.Fatalf("Expected first value 1, got %d", got)
	}

	g.Resume(500)
	if got := g.Next(); got != 501 {
		t.Errorf("Expected 501 after resume, got %d", got)
	}

	g.Resume(3)
	if got := g.Next(); got != 502 {
		t.Errorf("Resume must not move the counter back, got %d", got)
	}
}
