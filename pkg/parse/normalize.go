package parse

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeURL produces the canonical key used to deduplicate resources.
// It lowercases scheme and host, drops default ports and the fragment, turns an empty
// path into "/", and sorts the query. When stripSearch is set the query is dropped.
// Trailing slashes are kept: "/api" and "/api/" mirror to different files.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL, stripSearch bool) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	if host, port, err := net.SplitHostPort(normalized.Host); err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.ForceQuery = false
	if stripSearch {
		normalized.RawQuery = ""
	} else if normalized.RawQuery != "" {
		if values, err := url.ParseQuery(normalized.RawQuery); err == nil {
			normalized.RawQuery = values.Encode() // Encode sorts by key
		}
	}

	return normalized.String()
}

// ParseAndNormalize parses an absolute URL string and returns its canonical form.
func ParseAndNormalize(urlStr string, stripSearch bool) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed, stripSearch), parsed, nil
}

// Resolve turns a discovered link into an absolute URL using its referrer.
// Protocol-relative links inherit the referrer's scheme, root-relative links inherit
// scheme and host, and any other relative link is resolved against the referrer's path.
// Dot segments are removed in every case. A nil referrer leaves the link untouched.
func Resolve(link string, ref *url.URL) (*url.URL, error) {
	link = strings.TrimSpace(link)
	target, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if ref == nil || target.IsAbs() {
		return target, nil
	}
	return ref.ResolveReference(target), nil
}
