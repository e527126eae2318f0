package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the cache key for a node input: the namespace, an
// underscore, and the hex SHA-256 of the input's canonical JSON encoding.
// json.Marshal writes map keys in sorted order, so two maps with the same
// contents always produce the same key regardless of insertion order.
func Fingerprint(namespace string, input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		// fmt also prints map keys sorted, keeping the fallback stable.
		data = []byte(fmt.Sprintf("%v", input))
	}
	sum := sha256.Sum256(data)
	return namespace + "_" + hex.EncodeToString(sum[:])
}

// FingerprintFields fingerprints the projection of state onto the named
// fields. Fields absent from state are skipped rather than encoded as
// nulls, so adding an unused field name does not change the key.
func FingerprintFields(namespace string, state map[string]any, fields ...string) string {
	subset := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := state[f]; ok {
			subset[f] = v
		}
	}
	return Fingerprint(namespace, subset)
}
