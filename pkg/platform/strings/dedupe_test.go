package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{
			name:     "peer list from the environment",
			input:    []string{" https://lookup:pw@one.example ", "https://two.example", ""},
			expected: []string{"https://lookup:pw@one.example", "https://two.example"},
		},
		{
			name:     "repeated host keeps first position",
			input:    []string{"b.example", "a.example", "b.example"},
			expected: []string{"b.example", "a.example"},
		},
		{
			name:     "blank entries only",
			input:    []string{"", "  "},
			expected: []string{},
		},
		{
			name:     "case is preserved",
			input:    []string{"Cloud.example", "cloud.example"},
			expected: []string{"Cloud.example", "cloud.example"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}
