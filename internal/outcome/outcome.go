// Package outcome normalizes a declared market winner into a strict
// model.Option. Resolution requests may name the winner either by letter or
// by the market's own label text; both forms are resolved here, once, and the
// settlement math only ever sees the tag.
package outcome

import (
	"fmt"
	"strings"

	"github.com/atmx/wager-engine/internal/model"
)

// Parse matches declared against the letters "a"/"b" and then against the
// option labels, trimmed and case-insensitive. Letters take precedence over
// labels, so a market whose option A is labelled "B" still resolves "b" to B.
func Parse(declared, labelA, labelB string) (model.Option, error) {
	d := strings.TrimSpace(declared)
	if d == "" {
		return "", fmt.Errorf("%w: empty winner", model.ErrInvalidOutcome)
	}

	if opt, err := model.ParseOption(d); err == nil {
		return opt, nil
	}

	matchA := labelMatches(d, labelA)
	matchB := labelMatches(d, labelB)
	switch {
	case matchA && matchB:
		return "", fmt.Errorf("%w: %q matches both options", model.ErrInvalidOutcome, declared)
	case matchA:
		return model.OptionA, nil
	case matchB:
		return model.OptionB, nil
	}

	return "", fmt.Errorf("%w: %q matches neither %q nor %q",
		model.ErrInvalidOutcome, declared, labelA, labelB)
}

// ForMarket is Parse against m's labels.
func ForMarket(declared string, m *model.Market) (model.Option, error) {
	return Parse(declared, m.OptionA, m.OptionB)
}

func labelMatches(declared, label string) bool {
	l := strings.TrimSpace(label)
	return l != "" && strings.EqualFold(declared, l)
}
