package generator

import (
	"fmt"
	"strings"
	"time"

	"planpal/internal/plan"
)

// SystemPrompt builds the planning instructions for the day containing now.
// Dates are rendered in now's location.
func SystemPrompt(now time.Time) string {
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")

	var b strings.Builder
	b.WriteString("You are PlanPal, an everyday planning agent.\n")
	fmt.Fprintf(&b, "Today is %s.\n", today)
	fmt.Fprintf(&b, "When the user says 'tomorrow', use date %s.\n", tomorrow)
	if name := now.Location().String(); name != "" && name != "UTC" {
		fmt.Fprintf(&b, "The user's timezone is %s; give due_at with its UTC offset.\n", name)
	}
	b.WriteString("\n")
	b.WriteString("Return ONLY valid JSON (no markdown, no backticks).\n")
	b.WriteString("JSON shape:\n")
	b.WriteString("{\n")
	b.WriteString("  \"date\": \"YYYY-MM-DD\",\n")
	b.WriteString("  \"tasks\": [\n")
	b.WriteString("    {\n")
	b.WriteString("      \"title\": \"string\",\n")
	fmt.Fprintf(&b, "      \"category\": \"one of: %s\",\n", strings.Join(plan.Categories(), ", "))
	b.WriteString("      \"due_at\": \"ISO8601 datetime\",\n")
	b.WriteString("      \"remind_minutes_before\": number\n")
	b.WriteString("    }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n\n")
	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "- If remind_minutes_before is missing, default to %d.\n", plan.DefaultRemindMinutes)
	b.WriteString("- Do not add extra keys.\n")
	return b.String()
}
