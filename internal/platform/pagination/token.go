package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Keyset is the (timestamp, id) position a newest-first list resumes after. Scope names the list
// the token was issued for, so a stock movement token for one variant cannot page another.
type Keyset struct {
	Scope string
	At    time.Time
	ID    string
}

type keysetToken struct {
	Scope string `json:"s"`
	At    int64  `json:"t"`
	ID    string `json:"i"`
}

// EncodeKeyset returns "" for a zero keyset, which callers treat as the last page.
func EncodeKeyset(k Keyset) string {
	if k.ID == "" {
		return ""
	}
	data, _ := json.Marshal(keysetToken{Scope: k.Scope, At: k.At.UTC().UnixNano(), ID: k.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeKeyset rejects tokens that are malformed or were issued for a different scope.
func DecodeKeyset(token, scope string) (Keyset, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Keyset{}, fmt.Errorf("%w: not base64url", ErrInvalidPageToken)
	}
	var decoded keysetToken
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.ID == "" || decoded.At <= 0 {
		return Keyset{}, fmt.Errorf("%w: malformed keyset", ErrInvalidPageToken)
	}
	if decoded.Scope != scope {
		return Keyset{}, fmt.Errorf("%w: issued for another list", ErrInvalidPageToken)
	}
	return Keyset{Scope: decoded.Scope, At: time.Unix(0, decoded.At).UTC(), ID: decoded.ID}, nil
}
