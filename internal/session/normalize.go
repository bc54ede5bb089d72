package session

import "strings"

// Normalizer rewrites targets written with the domestic trunk prefix into international form,
// e.g. "0812..." becomes "62812..." for TrunkPrefix "0" and CountryCode "62".
// Any other target passes through unchanged.
type Normalizer struct {
	TrunkPrefix string
	CountryCode string
}

func (n Normalizer) Normalize(target string) string {
	t := strings.TrimSpace(target)
	if n.TrunkPrefix == "" || n.CountryCode == "" {
		return t
	}
	if rest, ok := strings.CutPrefix(t, n.TrunkPrefix); ok {
		return n.CountryCode + rest
	}
	return t
}

func (n Normalizer) NormalizeAll(targets []string) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = n.Normalize(t)
	}
	return out
}
