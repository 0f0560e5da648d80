package audience

import (
	"net/url"
	"strings"

	"github.com/grantkit/grantkit/internal/util"
)

// Matcher decides whether a token bound to the given audiences may be used
// against the resource identified by requestURI.
//
// Implementations must treat an empty audience slice as unrestricted and
// accept. With multiple audiences, matching any one of them is sufficient.
type Matcher interface {
	Matches(requestURI string, audiences []string) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(requestURI string, audiences []string) bool

// Matches calls f.
func (f MatcherFunc) Matches(requestURI string, audiences []string) bool {
	return f(requestURI, audiences)
}

// PrefixMatcher matches hierarchically: the audience must share the request's
// scheme and host exactly, and the audience path must be a prefix of the
// request path on a path segment boundary.
//
// A token bound to https://api.example.com/v1 is accepted for
// https://api.example.com/v1 and https://api.example.com/v1/users, and
// rejected for https://api.example.com/v2/users and
// https://api.example.com/v10 (no partial-segment matches). Trailing slashes
// are ignored on both sides.
type PrefixMatcher struct{}

var _ Matcher = PrefixMatcher{}

// Matches reports whether any bound audience covers requestURI.
func (PrefixMatcher) Matches(requestURI string, audiences []string) bool {
	if len(audiences) == 0 {
		return true // unrestricted token
	}

	request, err := url.Parse(util.NormalizeURL(requestURI))
	if err != nil {
		return false
	}

	for _, aud := range audiences {
		granted, err := url.Parse(util.NormalizeURL(aud))
		if err != nil {
			continue
		}
		if prefixCovers(granted, request) {
			return true
		}
	}
	return false
}

// prefixCovers reports whether the granted URI covers the request URI under
// hierarchical prefix rules.
func prefixCovers(granted, request *url.URL) bool {
	if !strings.EqualFold(granted.Scheme, request.Scheme) {
		return false
	}
	if !strings.EqualFold(granted.Host, request.Host) {
		return false
	}

	grantedPath := granted.Path
	requestPath := request.Path

	// A host-wide grant (no path) covers every path on that host.
	if grantedPath == "" || grantedPath == "/" {
		return true
	}

	if requestPath == grantedPath {
		return true
	}

	// Segment boundary: /v1 covers /v1/users but never /v10.
	return strings.HasPrefix(requestPath, grantedPath+"/")
}

// ExactMatcher matches on strict URI equality after trailing-slash
// normalization. Useful when tokens are minted for one concrete resource and
// hierarchical sharing is not wanted.
type ExactMatcher struct{}

var _ Matcher = ExactMatcher{}

// Matches reports whether any bound audience equals requestURI.
func (ExactMatcher) Matches(requestURI string, audiences []string) bool {
	if len(audiences) == 0 {
		return true // unrestricted token
	}

	normalized := util.NormalizeURL(requestURI)
	for _, aud := range audiences {
		if util.NormalizeURL(aud) == normalized {
			return true
		}
	}
	return false
}

// AcceptAll accepts every request regardless of audience binding. Use it to
// disable audience checking.
type AcceptAll struct{}

var _ Matcher = AcceptAll{}

// Matches always returns true.
func (AcceptAll) Matches(string, []string) bool {
	return true
}

// TokenAllowed reports whether a token bound to grantedAudiences may access
// every resource in requestedResources, as decided by matcher. An empty
// request list is allowed (the caller is not asking for anything specific).
func TokenAllowed(matcher Matcher, grantedAudiences, requestedResources []string) bool {
	if matcher == nil {
		matcher = PrefixMatcher{}
	}
	for _, resource := range requestedResources {
		if !matcher.Matches(resource, grantedAudiences) {
			return false
		}
	}
	return true
}
