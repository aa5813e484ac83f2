package cwl

import (
	"net/url"
	"strings"
)

// Location schemes accepted for complex input references.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
	SchemeVault = "vault"
)

// ParseLocationScheme extracts the scheme from a location URI.
// Returns ("file", "/data/x.tif") for "file:///data/x.tif" and
// ("", raw) for bare strings with no scheme.
func ParseLocationScheme(location string) (scheme, path string) {
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
		path = location[i+3:]
		if scheme == SchemeFile {
			path = "/" + strings.TrimLeft(path, "/")
		}
		return scheme, path
	}
	return "", location
}

// BuildLocation constructs a scheme://path URI.
func BuildLocation(scheme, path string) string {
	if scheme == SchemeFile {
		return "file://" + path
	}
	return scheme + "://" + path
}

// DecodeLocation URL-decodes a file location. CWL allows locations to
// contain escapes such as %23 for '#'. Remote URLs are returned as-is.
//
//   - "item %231.txt" → "item #1.txt"
//   - "file:///a/b%20c" → "file:///a/b c"
func DecodeLocation(loc string) string {
	if loc == "" {
		return loc
	}
	if strings.HasPrefix(loc, "file://") {
		if decoded, err := url.PathUnescape(loc[7:]); err == nil {
			return "file://" + decoded
		}
		return loc
	}
	if !strings.Contains(loc, "://") {
		if decoded, err := url.PathUnescape(loc); err == nil {
			return decoded
		}
	}
	return loc
}
