package incident

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursorKey is the keyset position encoded into a pagination token. The
// meaning of K1/K2 depends on the query that produced it.
type cursorKey struct {
	K1 string `json:"k1"`
	K2 string `json:"k2"`
}

// EncodeCursor builds an opaque pagination token from a keyset position.
func EncodeCursor(k1, k2 string) string {
	raw, _ := json.Marshal(cursorKey{K1: k1, K2: k2})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a pagination token produced by EncodeCursor.
// An empty token decodes to the zero position.
func DecodeCursor(token string) (k1, k2 string, err error) {
	if token == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var key cursorKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return key.K1, key.K2, nil
}
