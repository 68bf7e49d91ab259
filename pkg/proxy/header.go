package proxy

import (
	"net/http"
	"strings"
)

// CacheControl holds the parsed directives of a Cache-Control header.
type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		parts := strings.SplitN(directive, "=", 2)
		var val string
		if len(parts) > 1 {
			val = strings.Trim(parts[1], `"`)
		}
		m[strings.ToLower(parts[0])] = val
	}
	return CacheControl{m}
}

// hop-by-hop headers are stripped from upstream responses before storing or
// forwarding.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// storableHeader copies src minus hop-by-hop headers, and minus Set-Cookie
// unless allowed.
func storableHeader(src http.Header, allowSetCookie bool) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[canonical]; skip {
			continue
		}
		if canonical == "Set-Cookie" && !allowSetCookie {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	return dst
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
