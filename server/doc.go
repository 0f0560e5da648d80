// Package server is the grant engine of the authorization server: the
// authorization code flow with PKCE, the device authorization flow
// (RFC 8628), refresh token rotation with family-wide reuse
// revocation, the client credentials grant, plus token introspection
// (RFC 7662) and revocation (RFC 7009).
//
// The package is transport-agnostic. The HTTP surface lives in the
// module root, and the interactive parts of OAuth are the host's
// problem: the host authenticates the user however it likes and calls
// IssueAuthorizationCode or ApproveDeviceAuthorization with the
// outcome. Persistence goes through the storage interfaces, token
// minting through a token.Generator, audience checks through an
// audience.Matcher, and auditing and rate limiting through the
// security package.
//
// A server with in-memory storage and default (secure) settings:
//
//	store := memory.New()
//	srv, err := server.New(store, &server.Config{
//		Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
package server
