package render

import (
	"net/url"
	"path"
	"strings"
)

// AllowResource decides whether an engine may fetch u while rendering.
// Inline schemes are always allowed. Paths whose last segment is a bare hex
// token are refused: they are colour codes the markup put in a URL slot.
// Remote http(s) resources are fetched only when allowRemote is set.
func AllowResource(u *url.URL, allowRemote bool) bool {
	if u == nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "data", "about", "blob":
		return true
	case "http", "https":
		if hexToken.MatchString(path.Base(u.Path)) {
			return false
		}
		return allowRemote
	}
	return false
}

// AllowResourceString parses raw and applies AllowResource.
func AllowResourceString(raw string, allowRemote bool) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return AllowResource(u, allowRemote)
}
