package plan

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCategoriesKeepIdentityAndColor(t *testing.T) {
	t.Parallel()
	want := map[string]string{
		"Deep Work": "#6366F1",
		"Errands":   "#10B981",
		"Fitness":   "#F43F5E",
		"Admin":     "#F59E0B",
		"Family":    "#8B5CF6",
		"Learning":  "#06B6D4",
		"Rest":      "#64748B",
		"Other":     "#94A3B8",
	}
	if got := len(Categories()); got != len(want) {
		t.Fatalf("Categories() has %d entries, want %d", got, len(want))
	}
	for _, c := range Categories() {
		if NormalizeCategory(c) != c {
			t.Fatalf("NormalizeCategory(%q) changed a known category", c)
		}
		if Color(c) != want[c] {
			t.Fatalf("Color(%q) = %s, want %s", c, Color(c), want[c])
		}
	}
}

func TestNormalizeCategory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  any
		want string
	}{
		{"  Fitness ", "Fitness"},
		{"fitness", "Other"},
		{"Chores", "Other"},
		{"", "Other"},
		{nil, "Other"},
		{42.0, "Other"},
	}
	for _, tt := range tests {
		if got := NormalizeCategory(tt.raw); got != tt.want {
			t.Fatalf("NormalizeCategory(%#v) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRemindMinutes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  any
		want int
	}{
		{"absent", nil, 30},
		{"false", false, 30},
		{"true", true, 1},
		{"zero", 0.0, 30},
		{"empty string", "", 30},
		{"integer", 15.0, 15},
		{"truncated", 12.9, 12},
		{"fraction below one", 0.5, 0},
		{"negative clamps", -10.0, 0},
		{"numeric string", "45", 45},
		{"numeric string zero", "0", 0},
		{"decimal string", " 20.7 ", 20},
		{"garbage string", "soon", 30},
		{"json number", json.Number("10"), 10},
		{"object", map[string]any{"m": 5}, 30},
		{"list", []any{5.0}, 30},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RemindMinutes(tt.raw); got != tt.want {
				t.Fatalf("RemindMinutes(%#v) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseDueAt(t *testing.T) {
	t.Parallel()
	jakarta := time.FixedZone("WIB", 7*3600)
	tests := []struct {
		raw  string
		loc  *time.Location
		want time.Time
	}{
		{"2026-10-17T18:00:00Z", nil, time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)},
		{"2026-10-17T18:00:00.250Z", nil, time.Date(2026, 10, 17, 18, 0, 0, 250e6, time.UTC)},
		{"2026-10-17T18:00:00+07:00", nil, time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC)},
		{"2026-10-17 18:00:00Z", nil, time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)},
		{"2026-10-17T18:00", nil, time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)},
		{"2026-10-17 18:00:30", nil, time.Date(2026, 10, 17, 18, 0, 30, 0, time.UTC)},
		{"2026-10-17T18:00:00", jakarta, time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC)},
		{"2025-06-01T18:00:00+0530", nil, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)},
		{"2025-06-01T18:00:00+05", nil, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)},
		{"2025-06-01 18:00:00.5-0300", nil, time.Date(2025, 6, 1, 21, 0, 0, 500e6, time.UTC)},
		{"2025-06-01T18:00+05:30", jakarta, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDueAt(tt.raw, tt.loc)
		if err != nil {
			t.Fatalf("ParseDueAt(%q): %v", tt.raw, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseDueAt(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	for _, bad := range []string{"tomorrow 6pm", "2026-10-17", "18:00", "2026-13-01T10:00", "2025-06-01T18:00:00+5"} {
		if _, err := ParseDueAt(bad, nil); err == nil {
			t.Fatalf("ParseDueAt(%q) should fail", bad)
		}
	}
}

func TestValidateDropsIncompleteItems(t *testing.T) {
	t.Parallel()
	raw := map[string]any{
		"date": "2026-10-17",
		"tasks": []any{
			map[string]any{"title": "Buy milk", "due_at": "2026-10-17T18:00:00Z"},
			map[string]any{"title": "No due", "category": "Errands"},
			map[string]any{"title": "   ", "due_at": "2026-10-17T18:00:00Z"},
			map[string]any{"title": "Bad due", "due_at": "whenever"},
			"not an object",
			map[string]any{"title": "Run", "category": "Fitness", "due_at": "2026-10-17T07:00:00Z", "remind_minutes_before": 10.0},
		},
	}

	p, rep := NewValidator(nil).Validate(raw)
	if p.Date != "2026-10-17" {
		t.Fatalf("date = %q", p.Date)
	}
	if len(p.Tasks) != 2 {
		t.Fatalf("kept %d items, want 2: %+v", len(p.Tasks), p.Tasks)
	}
	if rep.Total != 6 || len(rep.Dropped) != 4 {
		t.Fatalf("report = %+v", rep)
	}
	reasons := []string{ReasonNoDueAt, ReasonNoTitle, ReasonBadDueAt, ReasonNotObject}
	for i, d := range rep.Dropped {
		if d.Reason != reasons[i] {
			t.Fatalf("drop %d reason = %s, want %s", i, d.Reason, reasons[i])
		}
	}

	milk := p.Tasks[0]
	if milk.Category != CategoryOther || milk.Color != "#94A3B8" || milk.RemindMinutesBefore != 30 {
		t.Fatalf("defaults not applied: %+v", milk)
	}
	run := p.Tasks[1]
	if run.Category != CategoryFitness || run.Color != "#F43F5E" || run.RemindMinutesBefore != 10 {
		t.Fatalf("unexpected item: %+v", run)
	}
}

func TestValidateMissingTasks(t *testing.T) {
	t.Parallel()
	for _, raw := range []map[string]any{
		{},
		{"date": "2026-10-17"},
		{"tasks": "nope"},
		{"tasks": nil},
	} {
		p, rep := NewValidator(time.UTC).Validate(raw)
		if p.Tasks == nil || len(p.Tasks) != 0 || len(rep.Dropped) != 0 {
			t.Fatalf("Validate(%v) = %+v, %+v; want empty plan", raw, p, rep)
		}
	}
}
