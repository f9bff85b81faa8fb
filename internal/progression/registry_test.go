package progression

import (
	"errors"
	"testing"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

func TestRegistryIntern(t *testing.T) {
	r := NewRegistry()

	decrypt := models.Ref{Command: "decrypt", Class: "Decrypt"}
	login := models.Ref{Command: "login", Class: "PasswordGuess"}

	h1, err := r.Intern(decrypt)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	h2, err := r.Intern(login)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	if h1 == h2 {
		t.Error("distinct refs interned to the same handle")
	}

	// Interning the same ref again must return the same handle
	again, err := r.Intern(decrypt)
	if err != nil {
		t.Fatalf("re-Intern failed: %v", err)
	}
	if again != h1 {
		t.Errorf("re-interned handle %d, want %d", again, h1)
	}

	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	if got := r.Ref(h1); got != decrypt {
		t.Errorf("Ref(%d) = %v, want %v", h1, got, decrypt)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	ref := models.Ref{Command: "hexedit", Class: "HexEditor"}
	if _, ok := r.Lookup(ref); ok {
		t.Error("Lookup found a ref that was never interned")
	}

	h, err := r.Intern(ref)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}

	got, ok := r.Lookup(ref)
	if !ok || got != h {
		t.Errorf("Lookup = (%d, %v), want (%d, true)", got, ok, h)
	}

	// Same command, different class is a different reference
	if _, ok := r.Lookup(models.Ref{Command: "hexedit", Class: "Decrypt"}); ok {
		t.Error("Lookup matched a ref with a different class")
	}
}

func TestRegistryMalformedRef(t *testing.T) {
	r := NewRegistry()

	cases := []models.Ref{
		{Command: "", Class: "Decrypt"},
		{Command: "decrypt", Class: ""},
		{},
	}
	for _, ref := range cases {
		if _, err := r.Intern(ref); !errors.Is(err, ErrMalformedRef) {
			t.Errorf("Intern(%v) error = %v, want ErrMalformedRef", ref, err)
		}
	}
}
