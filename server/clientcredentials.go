package server

import (
	"context"

	"github.com/grantkit/grantkit/security"
)

// ClientCredentialsGrant issues an access token to a confidential client
// acting on its own behalf (RFC 6749 §4.4). Public clients cannot use this
// grant, and no refresh token is issued (RFC 6749 §4.4.3): the client can
// simply authenticate again.
func (s *Server) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope string, resources []string, ipAddress string) (*TokenGrant, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Client credentials grant for unknown client",
			"client_id", clientID,
			"error", err)
		// Burn the same time as a real secret check so unknown clients are
		// not distinguishable by latency.
		_ = s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
		return nil, errInvalidClient("client authentication failed")
	}

	if client.ClientType != ClientTypeConfidential {
		s.Logger.Debug("Public client attempted client_credentials grant",
			"client_id", clientID)
		return nil, errInvalidClient("client_credentials requires a confidential client")
	}

	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "invalid client secret")
		}
		return nil, errInvalidClient("client authentication failed")
	}

	if !clientAllowsGrant(client, GrantTypeClientCredentials) {
		return nil, errUnauthorizedClient("client is not authorized for the client_credentials grant")
	}

	if err := s.validateScopes(scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(client, scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"requested_scope": scope},
			})
		}
		return nil, errInvalidScope(err.Error())
	}

	if err := validateResources(resources); err != nil {
		return nil, errInvalidTarget(err.Error())
	}
	if !s.clientResourcesAllowed(client, resources) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventResourceMismatch,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"resources": resources},
			})
		}
		return nil, errInvalidTarget("client is not authorized for one or more requested resources")
	}

	// Client credentials tokens act for the client itself: empty user
	// binding, no refresh token.
	return s.issueTokens(ctx, client, "", "", grantedScope(client, scope), resources, GrantTypeClientCredentials, ipAddress, false)
}
