package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"lookup/internal/directory/models"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, EscapeLike(`100%`))
	assert.Equal(t, `a\_b`, EscapeLike(`a_b`))
	assert.Equal(t, `c:\\dir`, EscapeLike(`c:\dir`))
	assert.Equal(t, `plain`, EscapeLike(`plain`))
}

func TestLooksLikeEmail(t *testing.T) {
	assert.True(t, LooksLikeEmail("bob@example.com"))
	assert.True(t, LooksLikeEmail("bob@localhost"))
	assert.False(t, LooksLikeEmail("bob@"))
	assert.False(t, LooksLikeEmail("bob"))
	assert.False(t, LooksLikeEmail("bob@example.com/x"))
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name        string
		req         Request
		sharedEmail bool
		want        models.SearchQuery
		wantOK      bool
	}{
		{
			name:   "substring on default keys",
			req:    Request{Term: "bo_b"},
			want:   models.SearchQuery{Mode: models.MatchLike, Pattern: `%bo\_b%`, Keys: []models.AttributeKey{"userid", "email"}, MinKarma: 1, Limit: 50},
			wantOK: true,
		},
		{
			name:        "shared email narrows to userid",
			req:         Request{Term: "bob@example.com"},
			sharedEmail: true,
			want:        models.SearchQuery{Mode: models.MatchLike, Pattern: `%bob@example.com%`, Keys: []models.AttributeKey{"userid"}, MinKarma: 1, Limit: 50},
			wantOK:      true,
		},
		{
			name:   "exact with key constraint",
			req:    Request{Term: "bob@example.com", Exact: true, Keys: []models.AttributeKey{"email", "name"}},
			want:   models.SearchQuery{Mode: models.MatchExact, Pattern: "bob@example.com", Keys: []models.AttributeKey{"email"}, MinKarma: 1, Limit: 1},
			wantOK: true,
		},
		{
			name:   "key constraint ignored without exact",
			req:    Request{Term: "bob", Keys: []models.AttributeKey{"name"}},
			want:   models.SearchQuery{Mode: models.MatchLike, Pattern: `%bob%`, Keys: []models.AttributeKey{"userid", "email"}, MinKarma: 1, Limit: 50},
			wantOK: true,
		},
		{
			name:   "constraint outside searchable keys",
			req:    Request{Term: "bob", Exact: true, Keys: []models.AttributeKey{"name"}},
			want:   models.SearchQuery{Mode: models.MatchExact, Pattern: "bob", Keys: []models.AttributeKey{}, MinKarma: 1, Limit: 1},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BuildQuery(tt.req, tt.sharedEmail, 1, models.KarmaAscending)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseKeys(t *testing.T) {
	assert.Equal(t, []models.AttributeKey{"email"}, ParseKeys(`["email"]`))
	assert.Nil(t, ParseKeys(`{}`))
	assert.Nil(t, ParseKeys(`nope`))
	assert.Nil(t, ParseKeys(""))
}
