package pipeline

import (
	"context"
	"strings"
)

// KeywordModerator replaces any text containing one of Keywords with
// PresetResponse. Matching is case-insensitive.
type KeywordModerator struct {
	Keywords       []string
	PresetResponse string
}

// Moderate implements Moderator.
func (m KeywordModerator) Moderate(_ context.Context, text string) (string, error) {
	lower := strings.ToLower(text)
	for _, k := range m.Keywords {
		k = strings.TrimSpace(k)
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return m.PresetResponse, nil
		}
	}
	return text, nil
}
