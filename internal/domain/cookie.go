package domain

import "time"

// Cookie is a browser cookie captured from an authenticated portal session.
// Expires is in seconds since the Unix epoch; zero or negative means session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Expired reports whether the cookie has a fixed expiry before now.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && int64(c.Expires) < now.Unix()
}

// LiveCookies drops expired cookies, preserving order.
func LiveCookies(cookies []Cookie, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}
