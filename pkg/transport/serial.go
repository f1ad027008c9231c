package transport

import (
	"net/http"
	"strings"

	"github.com/openhearth/hearthd/pkg/httperr"
)

// minSerialLength is the shortest serial the protocol accepts after
// normalisation.
const minSerialLength = 10

// NormalizeSerial strips a serial to uppercase alphanumerics. Returns "" if
// the result is too short to be a device serial.
func NormalizeSerial(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		}
	}
	s := b.String()
	if len(s) < minSerialLength {
		return ""
	}
	return s
}

// ExtractSerial pulls the device serial from a request, in protocol priority
// order: Basic-Auth username (legacy firmware prefixes "nest."), the vendor
// serial header, the serial query parameter, then the serial path value.
func ExtractSerial(r *http.Request) (string, error) {
	if user, _, ok := r.BasicAuth(); ok {
		user = strings.TrimPrefix(user, "nest.")
		if s := NormalizeSerial(user); s != "" {
			return s, nil
		}
	}
	if h := r.Header.Get(HeaderDeviceSerial); h != "" {
		if s := NormalizeSerial(h); s != "" {
			return s, nil
		}
	}
	if q := r.URL.Query().Get("serial"); q != "" {
		if s := NormalizeSerial(q); s != "" {
			return s, nil
		}
	}
	if p := r.PathValue("serial"); p != "" {
		if s := NormalizeSerial(p); s != "" {
			return s, nil
		}
	}
	return "", httperr.New(httperr.KindBadRequest, "missing or invalid device serial")
}
