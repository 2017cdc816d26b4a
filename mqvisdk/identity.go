/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package mqvisdk

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of a Mqvi access token. The server signs the
// token at login; the SDK only reads the claims to learn who it is acting as.
type TokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity is the local user derived from the access token.
type Identity struct {
	UserID   string
	Username string
}

// ParseIdentity extracts the local user identity from a Mqvi access token.
// The signature is NOT verified here. Verification is the server's job on
// every request; the client only needs the claims to tell which side of a
// call it is on.
func ParseIdentity(accessToken string) (*Identity, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("error parsing access token: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("access token carries no user_id claim")
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
	}, nil
}

// Identity returns the identity encoded in the client's access token.
func (c *Client) Identity() (*Identity, error) {
	return ParseIdentity(c.accessToken)
}
