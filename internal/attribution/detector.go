// Package attribution names the client that wrote a memory. The name ends up
// in the memory's Source tag when the request does not set one.
package attribution

import (
	"net/http"
	"os"
	"strings"
	"sync"
)

// Header lets a client name itself explicitly.
const Header = "X-LTM-Source"

var (
	cachedDefault string
	once          sync.Once
)

// Default returns the process-wide fallback source name.
// Checks in order: LTM_SOURCE env, "api".
// The result is cached after first call.
func Default() string {
	once.Do(func() {
		cachedDefault = defaultUncached()
	})
	return cachedDefault
}

// defaultUncached performs detection without caching. Used for testing.
func defaultUncached() string {
	if name := strings.TrimSpace(os.Getenv("LTM_SOURCE")); name != "" {
		return name
	}
	return "api"
}

// FromRequest returns the best available source name for r.
// Checks in order: the X-LTM-Source header, the product token of the
// User-Agent, Default().
func FromRequest(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get(Header)); name != "" {
		return truncate(name)
	}
	if name := productToken(r.UserAgent()); name != "" {
		return truncate(name)
	}
	return Default()
}

// productToken returns the lowercased product name of a User-Agent such as
// "companion-bot/2.1 (linux)". Generic HTTP libraries are ignored.
func productToken(ua string) string {
	fields := strings.Fields(ua)
	if len(fields) == 0 {
		return ""
	}
	product, _, _ := strings.Cut(fields[0], "/")
	product = strings.ToLower(product)
	switch product {
	case "", "go-http-client", "curl", "wget", "mozilla", "python-requests", "python-urllib":
		return ""
	}
	return product
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max]
	}
	return s
}
