package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Validator normalizes raw generator output. Offset-less due_at values are
// read in Location.
type Validator struct {
	Location *time.Location
}

func NewValidator(loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{Location: loc}
}

// Validate never fails: malformed items are dropped and listed in the report.
// A missing or non-list "tasks" yields an empty plan.
func (v *Validator) Validate(raw map[string]any) (Plan, ValidationReport) {
	p := Plan{Tasks: []Item{}}
	var rep ValidationReport

	if d, ok := raw["date"].(string); ok {
		p.Date = d
	} else if raw["date"] != nil {
		p.Date = fmt.Sprint(raw["date"])
	}

	items, _ := raw["tasks"].([]any)
	rep.Total = len(items)
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			rep.Dropped = append(rep.Dropped, Drop{Index: i, Reason: ReasonNotObject})
			continue
		}
		item, reason := v.item(m)
		if reason != "" {
			rep.Dropped = append(rep.Dropped, Drop{Index: i, Title: item.Title, Reason: reason})
			continue
		}
		p.Tasks = append(p.Tasks, item)
	}
	return p, rep
}

func (v *Validator) item(m map[string]any) (Item, string) {
	title, _ := m["title"].(string)
	item := Item{Title: strings.TrimSpace(title)}
	if item.Title == "" {
		return item, ReasonNoTitle
	}

	dueRaw, _ := m["due_at"].(string)
	dueRaw = strings.TrimSpace(dueRaw)
	if dueRaw == "" {
		return item, ReasonNoDueAt
	}
	due, err := ParseDueAt(dueRaw, v.Location)
	if err != nil {
		return item, ReasonBadDueAt
	}
	item.DueAt = due

	item.Category = NormalizeCategory(m["category"])
	item.Color = Color(item.Category)
	item.RemindMinutesBefore = RemindMinutes(m["remind_minutes_before"])
	return item, ""
}

// zonedLayouts cover ISO 8601 offsets as "Z", "+05:30", "+0530" or "+05".
// time.Parse accepts a fractional second after the seconds field unasked.
var zonedLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04Z07",
}

var dueLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDueAt accepts ISO 8601 datetimes with a 'T' or space separator,
// optional seconds and fraction, and an offset of "Z", "+HH:MM", "+HHMM" or
// "+HH". Values without an offset are interpreted in loc.
func ParseDueAt(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	iso := strings.Replace(s, " ", "T", 1)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, iso); err == nil {
			return t, nil
		}
	}
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, stripFraction(s), loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

// stripFraction drops a trailing ".123" so offset-less values with
// fractional seconds still match the fixed layouts.
func stripFraction(s string) string {
	if i := strings.LastIndexByte(s, '.'); i > 0 && len(s)-i <= 10 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			return s[:i]
		}
	}
	return s
}

// RemindMinutes coerces a raw remind_minutes_before value:
//   - absent, null, false, 0 and "" mean the default (30)
//   - true is 1
//   - numbers and numeric strings are truncated toward zero
//   - negative results clamp to 0
//   - anything else is the default
func RemindMinutes(v any) int {
	var f float64
	switch x := v.(type) {
	case nil:
		return DefaultRemindMinutes
	case bool:
		if x {
			return 1
		}
		return DefaultRemindMinutes
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return DefaultRemindMinutes
		}
		f = n
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return DefaultRemindMinutes
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return DefaultRemindMinutes
		}
		// A non-empty numeric string is a value even when it is "0".
		return clampMinutes(n)
	default:
		return DefaultRemindMinutes
	}
	if f == 0 {
		return DefaultRemindMinutes
	}
	return clampMinutes(f)
}

// maxRemindMinutes bounds the lead time to one year.
const maxRemindMinutes = 366 * 24 * 60

func clampMinutes(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DefaultRemindMinutes
	}
	f = math.Trunc(f)
	if f < 0 {
		return 0
	}
	if f > maxRemindMinutes {
		return maxRemindMinutes
	}
	return int(f)
}
