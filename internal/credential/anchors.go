package credential

import (
	"context"
	"strings"
)

// StaticAnchors answers root fingerprint lookups from a fixed table, the way
// a resolver would answer from DNS-published records.
type StaticAnchors struct {
	roots map[string]string
}

func NewStaticAnchors(roots map[string]string) *StaticAnchors {
	m := make(map[string]string, len(roots))
	for domain, fp := range roots {
		m[strings.ToLower(domain)] = strings.ToLower(fp)
	}
	return &StaticAnchors{roots: m}
}

func (a *StaticAnchors) RootFingerprint(_ context.Context, domain string) (string, bool, error) {
	fp, ok := a.roots[strings.ToLower(domain)]
	return fp, ok, nil
}
