package cache

import (
	"encoding/hex"
	"errors"
	"hash/fnv"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrNotCacheable is returned for methods other than GET and HEAD. The engine
// treats it as "do not consult the cache".
var ErrNotCacheable = errors.New("cache: method not cacheable")

// unit separator keeps fields from bleeding into each other in the preimage
const sep = "\x1f"

// prefixMaxLen bounds the human-readable part of the key so operators can
// still list keys in Redis without pathological lengths.
const prefixMaxLen = 48

// Key is a cache fingerprint: a hex digest plus a short readable prefix.
type Key struct {
	Hex    string
	Prefix string
}

func (k Key) String() string {
	return k.Prefix + ":" + k.Hex
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Hex == ""
}

// Builder normalizes requests into keys. The zero value ignores nothing and
// preserves query parameter order.
type Builder struct {
	ignore map[string]struct{}
	sort   bool
}

func NewBuilder(ignoreParams []string, sortParams bool) *Builder {
	b := &Builder{sort: sortParams}
	if len(ignoreParams) > 0 {
		b.ignore = make(map[string]struct{}, len(ignoreParams))
		for _, p := range ignoreParams {
			b.ignore[p] = struct{}{}
		}
	}
	return b
}

// Build computes the key for a request, optionally mixing in a vary
// signature. Requests that differ only in ignored query parameters (or, with
// sorting enabled, in parameter order) yield byte-identical keys.
func (b *Builder) Build(r *http.Request, varySignature string) (Key, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Key{}, ErrNotCacheable
	}

	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	authority := r.URL.Host
	if authority == "" {
		authority = r.Host
	}

	var preimage strings.Builder
	preimage.WriteString(r.Method)
	preimage.WriteString(sep)
	preimage.WriteString(strings.ToLower(scheme))
	preimage.WriteString(sep)
	preimage.WriteString(strings.ToLower(authority))
	preimage.WriteString(sep)
	preimage.WriteString(r.URL.Path)
	preimage.WriteString(sep)
	preimage.WriteString(b.CanonicalQuery(r.URL.RawQuery))
	if varySignature != "" {
		preimage.WriteString(sep)
		preimage.WriteString(varySignature)
	}

	h := fnv.New128a()
	h.Write([]byte(preimage.String()))

	return Key{
		Hex:    hex.EncodeToString(h.Sum(nil)),
		Prefix: keyPrefix(r.Method, r.URL.Path),
	}, nil
}

// CanonicalQuery re-encodes a raw query with ignored parameters dropped,
// duplicates preserved, and (if configured) pairs stable-sorted by name then
// value.
func (b *Builder) CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	type pair struct{ name, value string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		decodedName, err := url.QueryUnescape(name)
		if err != nil {
			decodedName = name
		}
		if _, ignored := b.ignore[decodedName]; ignored {
			continue
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}
		pairs = append(pairs, pair{decodedName, decodedValue})
	}

	if b.sort {
		sort.SliceStable(pairs, func(i, j int) bool {
			if pairs[i].name != pairs[j].name {
				return pairs[i].name < pairs[j].name
			}
			return pairs[i].value < pairs[j].value
		})
	}

	var out strings.Builder
	for i, p := range pairs {
		if i > 0 {
			out.WriteByte('&')
		}
		out.WriteString(url.QueryEscape(p.name))
		out.WriteByte('=')
		out.WriteString(url.QueryEscape(p.value))
	}
	return out.String()
}

// VarySignature folds the request's values for the named header fields into a
// deterministic string. Field names are matched case-insensitively; an empty
// field list yields an empty signature.
func VarySignature(fields []string, reqHeader http.Header) string {
	if len(fields) == 0 {
		return ""
	}
	normalized := make([]string, 0, len(fields))
	for _, f := range fields {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(f)))
	}
	sort.Strings(normalized)

	var sig strings.Builder
	for i, f := range normalized {
		if i > 0 {
			sig.WriteString(sep)
		}
		sig.WriteString(f)
		sig.WriteByte('=')
		sig.WriteString(strings.Join(reqHeader.Values(http.CanonicalHeaderKey(f)), ","))
	}
	return sig.String()
}

func keyPrefix(method, path string) string {
	p := method + ":" + path
	if len(p) > prefixMaxLen {
		p = p[:prefixMaxLen]
	}
	return p
}
