package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"

	"planpal/internal/credential"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := `
logging:
  level: error
  console: true
storage:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "planpal.db") + `
notifier:
  transport: log
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	t.Parallel()
	root := NewRootCmd()
	want := []string{"serve", "plan", "dispatch", "tasks", "migrate", "secret"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestMigrateCmd(t *testing.T) {
	t.Parallel()
	out, err := run(t, "", "--config", writeConfig(t, ""), "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.HasPrefix(out, "sqlite schema at version ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTasksCmdEmpty(t *testing.T) {
	t.Parallel()
	out, err := run(t, "", "--config", writeConfig(t, ""), "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if strings.TrimSpace(out) != "No tasks." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDispatchCmdErrors(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t, "")
	cases := []struct {
		name string
		arg  string
		want string
	}{
		{name: "not a number", arg: "abc", want: "invalid reminder id"},
		{name: "zero", arg: "0", want: "invalid reminder id"},
		{name: "missing", arg: "999", want: "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, "", "--config", cfg, "dispatch", tc.arg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestPlanThenDispatch(t *testing.T) {
	t.Parallel()

	content := `{"date":"2030-01-02","tasks":[{"title":"Dentist","category":"Errands","due_at":"2030-01-02T09:00:00Z","remind_minutes_before":15}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	cfg := writeConfig(t, `generator:
  base_url: `+srv.URL+`
  api_key: sk-test
`)

	out, err := run(t, "", "--config", cfg, "plan", "dentist", "at", "nine")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var res struct {
		Created []struct {
			ReminderID int64 `json:"reminder_id"`
		} `json:"created"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding plan output %q: %v", out, err)
	}
	if len(res.Created) != 1 || res.Created[0].ReminderID <= 0 {
		t.Fatalf("unexpected created items: %+v", res.Created)
	}

	id := res.Created[0].ReminderID
	out, err = run(t, "", "--config", cfg, "dispatch", itoa(id))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(out, ": sent") {
		t.Fatalf("first dispatch output %q", out)
	}
	out, err = run(t, "", "--config", cfg, "dispatch", itoa(id))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !strings.Contains(out, "already_sent") {
		t.Fatalf("second dispatch output %q", out)
	}

	out, err = run(t, "", "--config", cfg, "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, "Dentist") {
		t.Fatalf("tasks output %q", out)
	}
}

// Not parallel: swaps the package-level keyring opener.
func TestSecretSetDelete(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	prev := openSecretStore
	openSecretStore = func(string) (*credential.Store, error) { return credential.NewStore(ring), nil }
	t.Cleanup(func() { openSecretStore = prev })

	out, err := run(t, "sk-secret\n", "secret", "set", credential.KeyOpenAIAPIKey)
	if err != nil {
		t.Fatalf("secret set: %v", err)
	}
	if !strings.Contains(out, "stored") {
		t.Fatalf("unexpected output %q", out)
	}
	got, err := credential.NewStore(ring).Get(credential.KeyOpenAIAPIKey)
	if err != nil || got != "sk-secret" {
		t.Fatalf("stored value=%q err=%v", got, err)
	}

	if _, err := run(t, "", "secret", "delete", credential.KeyOpenAIAPIKey); err != nil {
		t.Fatalf("secret delete: %v", err)
	}
	if _, err := credential.NewStore(ring).Get(credential.KeyOpenAIAPIKey); err == nil {
		t.Fatalf("expected secret to be gone")
	}

	if _, err := run(t, "x\n", "secret", "set", "bogus"); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
