package plan

import "strings"

// Task categories. The set is fixed; anything else is coerced to Other.
const (
	CategoryDeepWork = "Deep Work"
	CategoryErrands  = "Errands"
	CategoryFitness  = "Fitness"
	CategoryAdmin    = "Admin"
	CategoryFamily   = "Family"
	CategoryLearning = "Learning"
	CategoryRest     = "Rest"
	CategoryOther    = "Other"
)

var categories = []string{
	CategoryDeepWork,
	CategoryErrands,
	CategoryFitness,
	CategoryAdmin,
	CategoryFamily,
	CategoryLearning,
	CategoryRest,
	CategoryOther,
}

var categoryColors = map[string]string{
	CategoryDeepWork: "#6366F1",
	CategoryErrands:  "#10B981",
	CategoryFitness:  "#F43F5E",
	CategoryAdmin:    "#F59E0B",
	CategoryFamily:   "#8B5CF6",
	CategoryLearning: "#06B6D4",
	CategoryRest:     "#64748B",
	CategoryOther:    "#94A3B8",
}

// Categories returns the fixed category list in display order.
func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// Color returns the display color for a category, falling back to Other's.
func Color(category string) string {
	if c, ok := categoryColors[category]; ok {
		return c
	}
	return categoryColors[CategoryOther]
}

// NormalizeCategory trims raw and maps it into the fixed set. Matching is
// exact after trimming; non-strings and unknown names become Other.
func NormalizeCategory(raw any) string {
	s, ok := raw.(string)
	if !ok {
		return CategoryOther
	}
	s = strings.TrimSpace(s)
	if _, known := categoryColors[s]; known {
		return s
	}
	return CategoryOther
}
