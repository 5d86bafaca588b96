// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of audit payloads.
package canonicalize

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct json tags are honoured, keys are sorted, numbers take their
// shortest ECMAScript form and HTML escaping is undone.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}
