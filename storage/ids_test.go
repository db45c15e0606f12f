package storage

import (
	"strings"
	"testing"
)

func TestNewTempName(t *testing.T) {
	t.Run("should generate a unique temp name", func(t *testing.T) {
		a, err := newTempName()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(a, "tmp-") {
			t.Fatalf("expected tmp- prefix, got %q", a)
		}

		b, err := newTempName()
		if err != nil {
			t.Fatal(err)
		}
		if a == b {
			t.Fatalf("expected distinct names, got %q twice", a)
		}
	})
}
