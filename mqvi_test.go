/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package mqvi

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/mqvi-go-sdk/calling"
	"github.com/akinalp/mqvi-go-sdk/mqvisdk"
)

type stubProvider struct{}

func (stubProvider) AudioTrack(ctx context.Context) (calling.LocalTrack, error) {
	return calling.NewStaticAudioTrack("audio", "stub")
}

func (stubProvider) VideoTrack(ctx context.Context) (calling.LocalTrack, error) {
	return calling.NewStaticVideoTrack("video", "stub")
}

func (stubProvider) DisplayTrack(ctx context.Context) (calling.LocalTrack, error) {
	return calling.NewStaticVideoTrack("display", "stub")
}

func testToken(t *testing.T) string {
	t.Helper()
	claims := mqvisdk.TokenClaims{UserID: "u-1", Username: "alice"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestNewClient(t *testing.T) {
	t.Run("empty token rejected", func(t *testing.T) {
		if _, err := NewClient("", nil); err == nil {
			t.Error("Expected an error for an empty token")
		}
	})

	t.Run("gateway is a cached singleton", func(t *testing.T) {
		client, err := NewClient(testToken(t), nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if client.Gateway() != client.Gateway() {
			t.Error("Expected Gateway() to return the same instance")
		}
	})
}

func TestCalling(t *testing.T) {
	t.Run("requires a media provider", func(t *testing.T) {
		client, err := NewClient(testToken(t), nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := client.Calling(); err == nil {
			t.Error("Expected an error without a media provider")
		}
	})

	t.Run("wired and cached", func(t *testing.T) {
		client, err := NewClient(testToken(t), nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		client.SetMediaProvider(stubProvider{})

		first, err := client.Calling()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		second, err := client.Calling()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if first != second {
			t.Error("Expected Calling() to return the cached instance")
		}
	})

	t.Run("fails on an unparseable token", func(t *testing.T) {
		client, err := NewClient("opaque-token", nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		client.SetMediaProvider(stubProvider{})

		if _, err := client.Calling(); err == nil {
			t.Error("Expected an error for a token without claims")
		}
	})
}
