// Package destination resolves partner store identifiers to their endpoint
// and signing credentials.
package destination

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
)

const DefaultTimeout = 10 * time.Second

var defaultPaths = map[string]string{
	"wallet": "/v1/wallet-codes",
	"coupon": "/v1/coupons",
}

// Destination is one partner store.
type Destination struct {
	ID         string            `mapstructure:"id"`
	BaseURL    string            `mapstructure:"base_url"`
	SigningKey string            `mapstructure:"signing_key"`
	Secret     string            `mapstructure:"secret"`
	SecretFile string            `mapstructure:"secret_file"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Paths      map[string]string `mapstructure:"paths"`
}

// PathFor returns the request path for a code kind.
func (d Destination) PathFor(kind string) string {
	if p, ok := d.Paths[kind]; ok && p != "" {
		return p
	}
	if p, ok := defaultPaths[kind]; ok {
		return p
	}
	return "/v1/" + kind
}

// URLFor joins the base URL and the kind path.
func (d Destination) URLFor(kind string) string {
	return strings.TrimRight(d.BaseURL, "/") + d.PathFor(kind)
}

func (d Destination) missing() string {
	var fields []string
	if d.BaseURL == "" {
		fields = append(fields, "base_url")
	}
	if d.SigningKey == "" {
		fields = append(fields, "signing_key")
	}
	if d.Secret == "" {
		fields = append(fields, "secret")
	}
	return strings.Join(fields, ", ")
}

// Registry is an immutable lookup of destinations by id and by base URL.
type Registry struct {
	byID  map[string]Destination
	byURL map[string]Destination
}

// NewRegistry validates dests and builds a registry. Destinations may lack
// credentials; that surfaces at Resolve time. A non-https base URL or a
// duplicate id is rejected.
func NewRegistry(dests ...Destination) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]Destination, len(dests)),
		byURL: make(map[string]Destination, len(dests)),
	}
	for _, d := range dests {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("destination with base_url %q has no id", d.BaseURL)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate destination id %q", d.ID)
		}
		if d.BaseURL != "" {
			if err := RequireHTTPS(d.BaseURL); err != nil {
				return nil, fmt.Errorf("destination %q: %w", d.ID, err)
			}
		}
		if d.Timeout <= 0 {
			d.Timeout = DefaultTimeout
		}
		r.byID[d.ID] = d
		if d.BaseURL != "" {
			r.byURL[normalizeURL(d.BaseURL)] = d
		}
	}
	return r, nil
}

// Resolve returns the destination for an id or a registered base URL. An
// unknown destination or incomplete credentials is a CredentialsMissing error.
func (r *Registry) Resolve(ref string) (Destination, error) {
	ref = strings.TrimSpace(ref)
	d, ok := r.byID[ref]
	if !ok {
		d, ok = r.byURL[normalizeURL(ref)]
	}
	if !ok {
		return Destination{}, apperrors.CredentialsMissing(ref, "destination not configured")
	}
	if missing := d.missing(); missing != "" {
		return Destination{}, apperrors.CredentialsMissing(d.ID, "incomplete credentials: missing "+missing)
	}
	return d, nil
}

// Len reports the number of registered destinations.
func (r *Registry) Len() int { return len(r.byID) }

// RequireHTTPS rejects URLs that are not absolute https URLs.
func RequireHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return fmt.Errorf("url %q must use https", raw)
	}
	return nil
}

func normalizeURL(raw string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
}
