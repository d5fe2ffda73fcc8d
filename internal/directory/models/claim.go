package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

const verificationStatusField = "verificationStatus"

// DecodeClaim builds a Claim from the data object of a claim envelope or a
// batch registration entry. Unknown keys are ignored. String and number
// values are taken verbatim; any other JSON type counts as empty.
func DecodeClaim(fid FederationID, data map[string]json.RawMessage, timestamp int64) Claim {
	claim := Claim{
		FederationID:  fid,
		Values:        make(map[AttributeKey]string),
		ReaffirmProof: make(map[AttributeKey]bool),
		Timestamp:     timestamp,
	}
	for _, key := range claimKeys {
		raw, ok := data[string(key)]
		if !ok {
			continue
		}
		if v := scalarString(raw); v != "" {
			claim.Values[key] = v
		}
	}

	var status map[string]json.RawMessage
	if raw, ok := data[verificationStatusField]; ok && json.Unmarshal(raw, &status) == nil {
		for k, v := range status {
			key := AttributeKey(k)
			if key.IsClaimKey() && isTruthyFlag(v) {
				claim.ReaffirmProof[key] = true
			}
		}
	}
	return claim
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw)
	default:
		return ""
	}
}

// isTruthyFlag accepts "1", 1 and true.
func isTruthyFlag(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case `"1"`, `1`, `true`:
		return true
	default:
		return false
	}
}
