package search

import (
	"encoding/json"
	"regexp"
	"strings"

	"lookup/internal/directory/models"
)

const (
	likeLimit  = 50
	exactLimit = 1
)

// emailLike matches terms that end in an email style domain.
var emailLike = regexp.MustCompile(`@\w+(\.\w+)*$`)

// Request is a parsed GET /users query.
type Request struct {
	Term         string
	ExactCloudID bool
	Exact        bool
	// Keys restricts matching to these attribute keys; honoured only with Exact.
	Keys []models.AttributeKey
}

// defaultKeys are the keys a term is matched against. Names are never searched.
func defaultKeys() []models.AttributeKey {
	return []models.AttributeKey{models.KeyUserID, models.KeyEmail}
}

// LooksLikeEmail reports whether term ends like an email address.
func LooksLikeEmail(term string) bool {
	return emailLike.MatchString(term)
}

// EscapeLike escapes LIKE wildcards and the escape character itself.
func EscapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// BuildQuery resolves req into a store query. sharedEmail reports whether more
// than one stored email equals the term. ok is false when the key constraints
// leave nothing to match.
func BuildQuery(req Request, sharedEmail bool, minKarma int, order models.KarmaOrder) (models.SearchQuery, bool) {
	keys := defaultKeys()
	if sharedEmail {
		keys = []models.AttributeKey{models.KeyUserID}
	}
	if req.Exact && len(req.Keys) > 0 {
		keys = intersect(keys, req.Keys)
	}

	q := models.SearchQuery{
		Mode:     models.MatchLike,
		Pattern:  "%" + EscapeLike(req.Term) + "%",
		Keys:     keys,
		MinKarma: minKarma,
		Limit:    likeLimit,
		Order:    order,
	}
	if req.Exact {
		q.Mode = models.MatchExact
		q.Pattern = req.Term
		q.Limit = exactLimit
	}
	return q, len(keys) > 0
}

func intersect(keys, allowed []models.AttributeKey) []models.AttributeKey {
	out := make([]models.AttributeKey, 0, len(keys))
	for _, k := range keys {
		for _, a := range allowed {
			if k == a {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// ParseKeys decodes the keys parameter, a JSON array of strings. Anything
// else yields no constraint.
func ParseKeys(raw string) []models.AttributeKey {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	keys := make([]models.AttributeKey, 0, len(list))
	for _, k := range list {
		keys = append(keys, models.AttributeKey(k))
	}
	return keys
}
