package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. Logs show token
// and code prefixes, never full values; this keeps the slice in bounds for
// values shorter than the prefix. Non-positive maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

// NormalizeURL strips trailing slashes for resource identifier and
// audience comparison (RFC 8707): "https://api.example.com/" and
// "https://api.example.com" name the same resource.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
