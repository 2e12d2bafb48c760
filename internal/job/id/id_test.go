package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	t.Run("has job prefix", func(t *testing.T) {
		got := Generate()
		if !strings.HasPrefix(got, "job-") {
			t.Errorf("Generate() = %q, want job- prefix", got)
		}
	})

	t.Run("generates unique IDs", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := Generate()
			if seen[id] {
				t.Fatalf("duplicate ID generated: %s", id)
			}
			seen[id] = true
		}
	})

	t.Run("has three parts", func(t *testing.T) {
		parts := strings.SplitN(Generate(), "-", 3)
		if len(parts) != 3 {
			t.Fatalf("expected 3 parts, got %d", len(parts))
		}
		if len(parts[2]) != 6 {
			t.Errorf("random suffix length = %d, want 6", len(parts[2]))
		}
	})
}
