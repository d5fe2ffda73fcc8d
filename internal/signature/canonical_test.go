package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "keeps key order and compacts",
			in:   `{ "data": {"federationId": "alice@example.org", "name": "Alice"}, "timestamp": 1700000000 }`,
			want: `{"data":{"federationId":"alice@example.org","name":"Alice"},"timestamp":1700000000}`,
		},
		{
			name: "key order is not sorted",
			in:   `{"z":1,"a":2}`,
			want: `{"z":1,"a":2}`,
		},
		{
			name: "escapes slashes",
			in:   `{"website":"https://alice.example/"}`,
			want: `{"website":"https:\/\/alice.example\/"}`,
		},
		{
			name: "escapes non ascii with lowercase hex",
			in:   `{"name":"Zoë Ünal"}`,
			want: `{"name":"Zo\u00eb \u00dcnal"}`,
		},
		{
			name: "escapes astral runes as surrogate pairs",
			in:   `"😀"`,
			want: `"\ud83d\ude00"`,
		},
		{
			name: "escapes control characters",
			in:   `"a\u0001b\n"`,
			want: `"a\u0001b\n"`,
		},
		{
			name: "empty object becomes empty list",
			in:   `{"verificationStatus":{}}`,
			want: `{"verificationStatus":[]}`,
		},
		{
			name: "keeps number literals and scalars",
			in:   `[1.50, -2, true, false, null]`,
			want: `[1.50,-2,true,false,null]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalString(t *testing.T) {
	assert.Equal(t, `"alice@example.org says \"hi\" \/ bye"`, string(CanonicalString(`alice@example.org says "hi" / bye`)))
}
