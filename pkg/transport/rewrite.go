package transport

import (
	"net/http"
	"strings"
)

// legacyPrefixes maps bare firmware paths onto the canonical /nest tree.
// Older firmware revisions hit the service root directly; the czfe host in
// particular serves the transport endpoints without the /transport segment.
var legacyPrefixes = []struct {
	from string
	to   string
}{
	{"/czfe/", "/nest/transport/"},
	{"/transport/", "/nest/transport/"},
	{"/weather/", "/nest/weather/"},
	{"/pro_info/", "/nest/pro_info/"},
	{"/passphrase/", "/nest/passphrase/"},
}

var legacyExact = map[string]string{
	"/entry":      "/nest/entry",
	"/ping":       "/nest/ping",
	"/passphrase": "/nest/passphrase",
	"/transport":  "/nest/transport",
	"/czfe":       "/nest/transport",
	"/upload":     "/nest/upload",
}

// RewriteLegacyPaths normalises bare legacy URLs to /nest/… before routing.
// Canonical paths pass through untouched.
func RewriteLegacyPaths(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if !strings.HasPrefix(p, "/nest/") {
			if to, ok := legacyExact[p]; ok {
				r.URL.Path = to
			} else {
				for _, lp := range legacyPrefixes {
					if strings.HasPrefix(p, lp.from) {
						r.URL.Path = lp.to + p[len(lp.from):]
						break
					}
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
