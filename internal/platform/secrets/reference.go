package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	schemeSecret  = "secret://"
	schemeLegacy  = "sm://"
	latestVersion = "latest"
)

// Reference is a parsed secret://name?version=N&project=P URI.
type Reference struct {
	// Canonical is the URI without query, used as the cache and pin key.
	Canonical string
	Name      string
	Version   string
	Project   string
}

// ParseReference accepts secret:// and the older sm:// scheme.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if strings.HasPrefix(raw, schemeLegacy) {
		raw = schemeSecret + strings.TrimPrefix(raw, schemeLegacy)
	}
	if !strings.HasPrefix(raw, schemeSecret) {
		return Reference{}, fmt.Errorf("secrets: %q is not a secret:// reference", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: reference %q names no secret", raw)
	}
	query := u.Query()
	return Reference{
		Canonical: schemeSecret + name,
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func (r Reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, version)
}

// fallbackKey turns a secret name into the dotenv key used by the local fallback file,
// e.g. orders/stripe-key becomes ORDERS_STRIPE_KEY.
func fallbackKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name))
}
