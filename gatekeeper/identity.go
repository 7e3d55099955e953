// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// FingerprintUnavailable is the value clients send when fingerprint
// collection failed in the browser. Such callers are still quota'd under a
// shared low-trust bucket but cannot be bound for abuse cross-checking.
const FingerprintUnavailable = "unavailable"

// sentinelIdentityKey buckets all anonymous callers without a usable
// fingerprint. Low trust: one shared allowance, no abuse binding.
const sentinelIdentityKey = "anon:unfingerprinted"

// ErrMissingIdentity is returned when a request carries neither a user id
// nor a fingerprint. Such requests are rejected, never treated as unlimited.
var ErrMissingIdentity = errors.New("missing identity: no user id or fingerprint")

// IdentityDescriptor is the raw identity material attached to a request.
// Fingerprint and IPAddress are hashed before any comparison or storage.
type IdentityDescriptor struct {
	UserID      string `json:"user_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IPAddress   string `json:"ip_address"`
}

// Identity is the resolved tracking identity for a request.
type Identity struct {
	// Key is the canonical bucket key: the user id when authenticated,
	// otherwise the hashed fingerprint (or the low-trust sentinel).
	Key string

	// FingerprintHash is retained alongside Key so fingerprint reuse can be
	// detected even when the canonical key is a user id. Empty when the
	// identity cannot be bound (sentinel or no fingerprint supplied).
	FingerprintHash string

	// Sentinel marks the shared low-trust bucket.
	Sentinel bool
}

// ResolveIdentity decides the canonical tracking key for a request.
// An authenticated user id always wins over the fingerprint.
func ResolveIdentity(userID, fingerprint string) (Identity, error) {
	fpHash := ""
	if fingerprint != "" && fingerprint != FingerprintUnavailable {
		h, err := HashToken(fingerprint)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to hash fingerprint: %w", err)
		}
		fpHash = h
	}

	if userID != "" {
		return Identity{Key: userID, FingerprintHash: fpHash}, nil
	}

	if fingerprint == FingerprintUnavailable {
		return Identity{Key: sentinelIdentityKey, Sentinel: true}, nil
	}

	if fpHash == "" {
		return Identity{}, ErrMissingIdentity
	}

	return Identity{Key: fpHash, FingerprintHash: fpHash}, nil
}

// userIDFromToken extracts the authenticated user id from a JWT issued by
// the upstream auth provider. An empty token string means anonymous; an
// invalid token is an error, never a silent fallback to anonymous.
func userIDFromToken(tokenString string, secret []byte) (string, error) {
	if tokenString == "" {
		return "", nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userID := getClaimString(claims, "user_id")
	if userID == "" {
		userID = getClaimString(claims, "sub")
	}
	if userID == "" {
		return "", fmt.Errorf("token carries no user id claim")
	}
	return userID, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
