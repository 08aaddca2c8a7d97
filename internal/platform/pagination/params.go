package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params is the validated pageSize/pageToken pair of a list request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options bound the page size and, when Scope is set, check the token belongs to that list.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	Scope           string
}

func (o Options) bounds() (defSize, maxSize int) {
	maxSize = o.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	defSize = o.DefaultPageSize
	if defSize <= 0 {
		defSize = DefaultPageSize
	}
	return min(defSize, maxSize), maxSize
}

func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil || r.URL == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse clamps an oversized pageSize to the maximum and rejects non-positive or non-numeric ones.
func Parse(values url.Values, opts Options) (Params, error) {
	defSize, maxSize := opts.bounds()
	params := Params{PageSize: defSize, PageToken: strings.TrimSpace(values.Get("pageToken"))}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: %q is not a number", ErrInvalidPageSize, raw)
		case size < 1:
			return Params{}, fmt.Errorf("%w: must be at least 1", ErrInvalidPageSize)
		}
		params.PageSize = min(size, maxSize)
	}

	if params.PageToken != "" && opts.Scope != "" {
		if _, err := DecodeKeyset(params.PageToken, opts.Scope); err != nil {
			return Params{}, err
		}
	}
	return params, nil
}
