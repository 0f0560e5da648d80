package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/grantkit/grantkit/internal/util"
)

// serverMetadata is the slice of an RFC 8414 authorization server metadata
// document the discovery helper consumes.
type serverMetadata struct {
	Issuer                string `json:"issuer"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// DiscoverIntrospectionEndpoint resolves the issuer's RFC 7662
// introspection endpoint from its published metadata. The RFC 8414
// path-insertion form is tried first, then the OpenID Connect
// path-appending form, so issuers that only publish one document still
// resolve. A nil client gets a 10 second timeout.
//
// The issuer and the discovered endpoint are both validated: HTTPS is
// required except for loopback hosts, and IP-literal hosts must not point
// at private or link-local ranges.
func DiscoverIntrospectionEndpoint(ctx context.Context, client *http.Client, issuer string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if err := validateEndpointURL(issuer); err != nil {
		return "", fmt.Errorf("invalid issuer URL: %w", err)
	}

	candidates, err := metadataURLs(issuer)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, metadataURL := range candidates {
		doc, err := fetchMetadata(ctx, client, metadataURL)
		if err != nil {
			lastErr = err
			continue
		}

		// RFC 8414 §3.3: the issuer in the document must match the one
		// the metadata was resolved for, or the document may belong to an
		// impersonating server.
		if util.NormalizeURL(doc.Issuer) != util.NormalizeURL(issuer) {
			return "", fmt.Errorf("metadata issuer %q does not match %q", doc.Issuer, issuer)
		}
		if doc.IntrospectionEndpoint == "" {
			return "", fmt.Errorf("issuer %s does not advertise an introspection endpoint", issuer)
		}
		if err := validateEndpointURL(doc.IntrospectionEndpoint); err != nil {
			return "", fmt.Errorf("invalid introspection endpoint: %w", err)
		}
		return doc.IntrospectionEndpoint, nil
	}

	return "", fmt.Errorf("discovering metadata for %s: %w", issuer, lastErr)
}

// metadataURLs returns the discovery URLs to try, in order: the RFC 8414
// §3.1 path-insertion form, then the OpenID Connect path-appending form.
// For issuers without a path both collapse to the same two well-known
// documents.
func metadataURLs(issuer string) ([]string, error) {
	parsed, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer URL: %w", err)
	}

	base := parsed.Scheme + "://" + parsed.Host
	issuerPath := strings.TrimSuffix(parsed.Path, "/")

	return []string{
		base + "/.well-known/oauth-authorization-server" + issuerPath,
		util.NormalizeURL(issuer) + "/.well-known/openid-configuration",
	}, nil
}

func fetchMetadata(ctx context.Context, client *http.Client, metadataURL string) (*serverMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", metadataURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", metadataURL, resp.StatusCode)
	}

	var doc serverMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding metadata from %s: %w", metadataURL, err)
	}
	return &doc, nil
}

// validateEndpointURL enforces the transport rules for URLs this package
// will send credentials to: HTTPS everywhere except loopback (development
// and tests), and no private or link-local IP literals, which would let a
// hostile metadata document steer introspection traffic at internal
// services.
func validateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !util.IsLoopbackHostname(host) {
			return fmt.Errorf("http is only allowed for loopback hosts")
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if ip, err := netip.ParseAddr(host); err == nil && !ip.IsLoopback() {
		if util.IsPrivateOrInternal(ip) {
			return fmt.Errorf("host %s is in a blocked IP range", host)
		}
	}

	return nil
}
