package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewStore(keyring.NewArrayKeyring(nil))

	if _, err := s.Get(KeySMTPPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := s.Set(KeySMTPPassword, "hunter2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get(KeySMTPPassword); err != nil || v != "hunter2" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if err := s.Set(KeySMTPPassword, "  "); err == nil {
		t.Fatalf("Set empty should fail")
	}
	if err := s.Delete(KeySMTPPassword); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(KeySMTPPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	s := NewStore(keyring.NewArrayKeyring([]keyring.Item{{Key: KeyOpenAIAPIKey, Data: []byte(" sk-ring \n")}}))

	tests := []struct {
		name  string
		store *Store
		value string
		key   string
		want  string
	}{
		{"explicit wins", s, "sk-env", KeyOpenAIAPIKey, "sk-env"},
		{"keyring fallback", s, "", KeyOpenAIAPIKey, "sk-ring"},
		{"missing entry", s, "", KeyTelegramToken, ""},
		{"nil store", nil, "", KeyOpenAIAPIKey, ""},
	}
	for _, tt := range tests {
		got, err := tt.store.Resolve(tt.value, tt.key)
		if err != nil || got != tt.want {
			t.Fatalf("%s: Resolve = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}
