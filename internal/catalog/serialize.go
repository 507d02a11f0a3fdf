package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SerializePayload renders a record payload as the user message content.
// Strings pass through verbatim; anything else becomes canonical JSON (RFC 8785),
// so the same payload always yields the same bytes.
func SerializePayload(payload any) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(canonical), nil
}
