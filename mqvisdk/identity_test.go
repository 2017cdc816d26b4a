/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package mqvisdk

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims TokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestParseIdentity(t *testing.T) {
	t.Run("extracts user claims", func(t *testing.T) {
		token := signedToken(t, TokenClaims{UserID: "u-42", Username: "alice"})

		identity, err := ParseIdentity(token)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if identity.UserID != "u-42" {
			t.Errorf("Unexpected user ID: %s", identity.UserID)
		}
		if identity.Username != "alice" {
			t.Errorf("Unexpected username: %s", identity.Username)
		}
	})

	t.Run("rejects a token without user_id", func(t *testing.T) {
		token := signedToken(t, TokenClaims{Username: "ghost"})

		if _, err := ParseIdentity(token); err == nil {
			t.Error("Expected an error for a token without user_id")
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := ParseIdentity("not-a-jwt"); err == nil {
			t.Error("Expected an error for a malformed token")
		}
	})
}

func TestClientIdentity(t *testing.T) {
	token := signedToken(t, TokenClaims{UserID: "u-7", Username: "bob"})
	client, err := NewClient(token, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	identity, err := client.Identity()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if identity.UserID != "u-7" {
		t.Errorf("Unexpected user ID: %s", identity.UserID)
	}
}
