package outcome

import (
	"errors"
	"testing"

	"github.com/atmx/wager-engine/internal/model"
)

func TestParse_Letters(t *testing.T) {
	tests := []struct {
		in   string
		want model.Option
	}{
		{"a", model.OptionA},
		{"A", model.OptionA},
		{"  b ", model.OptionB},
		{"B", model.OptionB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, "Yes", "No")
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParse_Labels(t *testing.T) {
	tests := []struct {
		in   string
		want model.Option
	}{
		{"Yes", model.OptionA},
		{"yes", model.OptionA},
		{"  NO  ", model.OptionB},
		{"gor mahia", model.OptionA},
	}
	for _, tt := range tests {
		labelA, labelB := "Yes", "No"
		if tt.in == "gor mahia" {
			labelA, labelB = " Gor Mahia ", "AFC Leopards"
		}
		got, err := Parse(tt.in, labelA, labelB)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParse_LetterWinsOverLabel(t *testing.T) {
	got, err := Parse("b", "B", "Something else")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != model.OptionB {
		t.Errorf("expected letter match B, got %s", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{"", "   ", "c", "maybe", "Yess"}
	for _, in := range tests {
		_, err := Parse(in, "Yes", "No")
		if !errors.Is(err, model.ErrInvalidOutcome) {
			t.Errorf("Parse(%q): expected ErrInvalidOutcome, got %v", in, err)
		}
	}
}

func TestParse_AmbiguousLabels(t *testing.T) {
	_, err := Parse("same", "Same", "SAME")
	if !errors.Is(err, model.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome for ambiguous labels, got %v", err)
	}
}

func TestForMarket(t *testing.T) {
	m := &model.Market{OptionA: "Rain", OptionB: "Sun"}
	got, err := ForMarket("sun", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != model.OptionB {
		t.Errorf("expected B, got %s", got)
	}
}
