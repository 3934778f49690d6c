// Package selector normalizes typed indicator values and routes them to the
// sources that declare support for their type.
package selector

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// Selector is a typed value under investigation.
type Selector struct {
	Type           string `json:"type"`
	Value          string `json:"value"`
	Classification string `json:"classification,omitempty"`
}

// Key identifies the selector after normalization.
func (s Selector) Key() string {
	return s.Type + "/" + s.Value
}

const (
	TypeIP   = "ip"
	TypeIPv4 = "ipv4"
	TypeIPv6 = "ipv6"
)

// knownTypes is the closed set of selector kinds the gateway routes.
var knownTypes = map[string]struct{}{
	"ip":            {},
	"ipv4":          {},
	"ipv6":          {},
	"domain":        {},
	"hostname":      {},
	"url":           {},
	"uri":           {},
	"email_address": {},
	"email_id":      {},
	"port":          {},
	"md5":           {},
	"sha1":          {},
	"sha256":        {},
	"sha512":        {},
	"ssdeep":        {},
	"tlsh":          {},
	"hash":          {},
	"telemetry":     {},
	"userid":        {},
	"filename":      {},
	"generic":       {},
}

// aliases corrects type names clients are known to send.
var aliases = map[string]string{
	"eml_address": "email_address",
	"email":       "email_address",
}

// Detection holds the patterns clients use to guess a type for free text.
var Detection = map[string]*regexp.Regexp{
	"ipv4":          regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)$`),
	"ipv6":          regexp.MustCompile(`^(?:[0-9a-fA-F]{0,4}:){2,7}[0-9a-fA-F]{0,4}$`),
	"domain":        regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}$`),
	"url":           regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`),
	"email_address": regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),
	"port":          regexp.MustCompile(`^\d{1,5}$`),
	"md5":           regexp.MustCompile(`^[a-fA-F0-9]{32}$`),
	"sha1":          regexp.MustCompile(`^[a-fA-F0-9]{40}$`),
	"sha256":        regexp.MustCompile(`^[a-fA-F0-9]{64}$`),
	"sha512":        regexp.MustCompile(`^[a-fA-F0-9]{128}$`),
}

// Known reports whether t, already normalized, is a routable selector kind.
func Known(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// KnownTypes returns the routable kinds in sorted order.
func KnownTypes() []string {
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Normalize lower-cases type and value, applies aliases and resolves the
// generic ip type to its address family when the value parses.
func Normalize(typ, value string) (string, string) {
	t := strings.ToLower(strings.TrimSpace(typ))
	v := strings.ToLower(strings.TrimSpace(value))

	if alias, ok := aliases[t]; ok {
		t = alias
	}
	if t == TypeIP {
		t = ResolveIP(v)
	}
	return t, v
}

// NormalizeSelector returns a copy of s with type and value normalized.
func NormalizeSelector(s Selector) Selector {
	s.Type, s.Value = Normalize(s.Type, s.Value)
	return s
}

// ResolveIP returns ipv4 or ipv6 for a parseable address and ip otherwise.
func ResolveIP(value string) string {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return TypeIP
	}
	if addr.Unmap().Is4() {
		return TypeIPv4
	}
	return TypeIPv6
}

// Supports reports whether a source declaring supported may receive a
// selector of normalized type t. A source declaring the generic ip type
// accepts both address families.
func Supports(supported map[string]struct{}, t string) bool {
	if _, ok := supported[t]; ok {
		return true
	}
	if t == TypeIPv4 || t == TypeIPv6 {
		_, ok := supported[TypeIP]
		return ok
	}
	return false
}

// ParseSources splits a source list on commas or pipes. Both separators are
// equivalent and may be mixed. Names are trimmed, lower-cased and deduplicated
// with their first-seen order preserved.
func ParseSources(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '|'
	})
	return cleanNames(fields)
}

// CleanSources normalizes an already split source list.
func CleanSources(names []string) []string {
	return cleanNames(names)
}

func cleanNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// TypeSet builds a set from a type list, normalizing each entry and dropping
// kinds outside the routable set.
func TypeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if alias, ok := aliases[t]; ok {
			t = alias
		}
		if Known(t) {
			set[t] = struct{}{}
		}
	}
	return set
}
