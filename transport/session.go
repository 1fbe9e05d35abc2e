package transport

import (
	"net/http"
	"net/url"
	"slices"
)

// SessionSource reports the live session credentials (cookies, tokens)
// as opaque "name=value" entries.
type SessionSource interface {
	Snapshot() []string
}

// SessionFunc adapts a function to the SessionSource interface.
type SessionFunc func() []string

// Snapshot calls f().
func (f SessionFunc) Snapshot() []string { return f() }

// CookieSession returns a SessionSource reading the cookies jar would
// send to u.
func CookieSession(jar http.CookieJar, u *url.URL) SessionSource {
	return SessionFunc(func() []string {
		cookies := jar.Cookies(u)
		out := make([]string, 0, len(cookies))
		for _, c := range cookies {
			out = append(out, c.Name+"="+c.Value)
		}
		return out
	})
}

// sameSession compares two snapshots as multisets; reordering is not drift.
func sameSession(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
