package models

// KarmaOrder is the sort direction of search results by karma.
type KarmaOrder int

const (
	// KarmaAscending lists the least verified identities first.
	KarmaAscending KarmaOrder = iota
	KarmaDescending
)

// MatchMode selects how a search term is compared with attribute values.
type MatchMode int

const (
	// MatchLike compares case-insensitively against a LIKE pattern whose
	// wildcards in user input are already escaped with '\'.
	MatchLike MatchMode = iota
	// MatchExact compares case-insensitively for equality.
	MatchExact
)

// SearchQuery is a fully resolved candidate query.
type SearchQuery struct {
	Mode    MatchMode
	Pattern string
	// Keys restricts which attribute keys may match. Never empty.
	Keys     []AttributeKey
	MinKarma int
	Limit    int
	Order    KarmaOrder
}

// SearchHit is a candidate identity with its karma.
type SearchHit struct {
	Identity Identity
	Karma    int
}
