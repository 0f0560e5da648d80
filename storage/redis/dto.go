package redis

import (
	"time"

	"github.com/grantkit/grantkit/storage"
)

// JSON representations of the storage records. Timestamps are stored as Unix
// seconds so the Lua scripts can compare them with plain arithmetic. Field
// names referenced by scripts (expires_at, used, status, interval,
// last_polled_at) must stay stable.

// tokenMetadataJSON is the JSON representation of access token metadata
type tokenMetadataJSON struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Audience  []string `json:"audience,omitempty"`
	GrantType string   `json:"grant_type,omitempty"`
	FamilyID  string   `json:"family_id,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
	Revoked   bool     `json:"revoked,omitempty"`
}

func toTokenMetadataJSON(meta *storage.TokenMetadata) *tokenMetadataJSON {
	return &tokenMetadataJSON{
		Token:     meta.Token,
		ClientID:  meta.ClientID,
		UserID:    meta.UserID,
		Username:  meta.Username,
		Scope:     meta.Scope,
		Audience:  meta.Audience,
		GrantType: meta.GrantType,
		FamilyID:  meta.FamilyID,
		JTI:       meta.JTI,
		IssuedAt:  unixOrZero(meta.IssuedAt),
		ExpiresAt: unixOrZero(meta.ExpiresAt),
		Revoked:   meta.Revoked,
	}
}

func fromTokenMetadataJSON(j *tokenMetadataJSON) *storage.TokenMetadata {
	if j == nil {
		return nil
	}
	return &storage.TokenMetadata{
		Token:     j.Token,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Username:  j.Username,
		Scope:     j.Scope,
		Audience:  j.Audience,
		GrantType: j.GrantType,
		FamilyID:  j.FamilyID,
		JTI:       j.JTI,
		IssuedAt:  timeOrZero(j.IssuedAt),
		ExpiresAt: timeOrZero(j.ExpiresAt),
		Revoked:   j.Revoked,
	}
}

// refreshTokenMetadataJSON is the JSON representation of refresh token metadata
type refreshTokenMetadataJSON struct {
	Token       string   `json:"token"`
	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	Audience    []string `json:"audience,omitempty"`
	FamilyID    string   `json:"family_id"`
	Generation  int      `json:"generation"`
	AccessToken string   `json:"access_token,omitempty"`
	IssuedAt    int64    `json:"issued_at"`
	ExpiresAt   int64    `json:"expires_at"`
}

func toRefreshTokenMetadataJSON(meta *storage.RefreshTokenMetadata) *refreshTokenMetadataJSON {
	return &refreshTokenMetadataJSON{
		Token:       meta.Token,
		ClientID:    meta.ClientID,
		UserID:      meta.UserID,
		Username:    meta.Username,
		Scope:       meta.Scope,
		Audience:    meta.Audience,
		FamilyID:    meta.FamilyID,
		Generation:  meta.Generation,
		AccessToken: meta.AccessToken,
		IssuedAt:    unixOrZero(meta.IssuedAt),
		ExpiresAt:   unixOrZero(meta.ExpiresAt),
	}
}

func fromRefreshTokenMetadataJSON(j *refreshTokenMetadataJSON) *storage.RefreshTokenMetadata {
	if j == nil {
		return nil
	}
	return &storage.RefreshTokenMetadata{
		Token:       j.Token,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		Username:    j.Username,
		Scope:       j.Scope,
		Audience:    j.Audience,
		FamilyID:    j.FamilyID,
		Generation:  j.Generation,
		AccessToken: j.AccessToken,
		IssuedAt:    timeOrZero(j.IssuedAt),
		ExpiresAt:   timeOrZero(j.ExpiresAt),
	}
}

// refreshTokenFamilyJSON is the JSON representation of a token family record
type refreshTokenFamilyJSON struct {
	FamilyID   string `json:"family_id"`
	UserID     string `json:"user_id,omitempty"`
	ClientID   string `json:"client_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func toRefreshTokenFamilyJSON(family *storage.RefreshTokenFamily) *refreshTokenFamilyJSON {
	return &refreshTokenFamilyJSON{
		FamilyID:   family.FamilyID,
		UserID:     family.UserID,
		ClientID:   family.ClientID,
		Generation: family.Generation,
		IssuedAt:   unixOrZero(family.IssuedAt),
		Revoked:    family.Revoked,
		RevokedAt:  unixOrZero(family.RevokedAt),
	}
}

func fromRefreshTokenFamilyJSON(j *refreshTokenFamilyJSON) *storage.RefreshTokenFamily {
	if j == nil {
		return nil
	}
	return &storage.RefreshTokenFamily{
		FamilyID:   j.FamilyID,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Generation: j.Generation,
		IssuedAt:   timeOrZero(j.IssuedAt),
		Revoked:    j.Revoked,
		RevokedAt:  timeOrZero(j.RevokedAt),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id,omitempty"`
	Username            string   `json:"username,omitempty"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`
	Scope               string   `json:"scope,omitempty"`
	Resources           []string `json:"resources,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	ExpiresAt           int64    `json:"expires_at"`
	Used                bool     `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		Username:            code.Username,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		Resources:           code.Resources,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           unixOrZero(code.CreatedAt),
		ExpiresAt:           unixOrZero(code.ExpiresAt),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		Username:            j.Username,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		Resources:           j.Resources,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           timeOrZero(j.CreatedAt),
		ExpiresAt:           timeOrZero(j.ExpiresAt),
		Used:                j.Used,
	}
}

// deviceAuthorizationJSON is the JSON representation of a device authorization
type deviceAuthorizationJSON struct {
	ID           string   `json:"id,omitempty"`
	DeviceCode   string   `json:"device_code"`
	UserCode     string   `json:"user_code"`
	ClientID     string   `json:"client_id"`
	Scope        string   `json:"scope,omitempty"`
	Resources    []string `json:"resources,omitempty"`
	Status       string   `json:"status"`
	UserID       string   `json:"user_id,omitempty"`
	Username     string   `json:"username,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
	Interval     int64    `json:"interval"`
	LastPolledAt int64    `json:"last_polled_at"`
}

func toDeviceAuthorizationJSON(auth *storage.DeviceAuthorization) *deviceAuthorizationJSON {
	return &deviceAuthorizationJSON{
		ID:           auth.ID,
		DeviceCode:   auth.DeviceCode,
		UserCode:     auth.UserCode,
		ClientID:     auth.ClientID,
		Scope:        auth.Scope,
		Resources:    auth.Resources,
		Status:       string(auth.Status),
		UserID:       auth.UserID,
		Username:     auth.Username,
		CreatedAt:    unixOrZero(auth.CreatedAt),
		ExpiresAt:    unixOrZero(auth.ExpiresAt),
		Interval:     auth.Interval,
		LastPolledAt: unixOrZero(auth.LastPolledAt),
	}
}

func fromDeviceAuthorizationJSON(j *deviceAuthorizationJSON) *storage.DeviceAuthorization {
	if j == nil {
		return nil
	}
	return &storage.DeviceAuthorization{
		ID:           j.ID,
		DeviceCode:   j.DeviceCode,
		UserCode:     j.UserCode,
		ClientID:     j.ClientID,
		Scope:        j.Scope,
		Resources:    j.Resources,
		Status:       storage.DeviceAuthorizationStatus(j.Status),
		UserID:       j.UserID,
		Username:     j.Username,
		CreatedAt:    timeOrZero(j.CreatedAt),
		ExpiresAt:    timeOrZero(j.ExpiresAt),
		Interval:     j.Interval,
		LastPolledAt: timeOrZero(j.LastPolledAt),
	}
}

// clientJSON is the JSON representation of a registered OAuth client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	Audiences               []string `json:"audiences,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		Audiences:               client.Audiences,
		CreatedAt:               unixOrZero(client.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		Audiences:               j.Audiences,
		CreatedAt:               timeOrZero(j.CreatedAt),
	}
}

// unixOrZero converts a time to Unix seconds, mapping the zero time to 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// timeOrZero converts Unix seconds to a time, mapping 0 to the zero time.
func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
