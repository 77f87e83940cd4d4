// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package token implements the Session Token Codec: minting and verifying
// signed, expiring session tokens that let a Connection be recovered after
// a transport-level reconnect without any server-side session storage
// beyond the Connection it names.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// minSecretBytes is the minimum signing-key entropy the codec accepts, per
// spec: "at least 256 bits of entropy in the signing key."
const minSecretBytes = 32

// Kind distinguishes why verification failed, used only to shape the
// session:recovery-failed reason string — callers should not branch on it
// for anything beyond that.
type Kind int

const (
	// KindInvalid covers malformed tokens and signature mismatches.
	KindInvalid Kind = iota
	// KindExpired covers a structurally valid token past its expiry.
	KindExpired
)

// Session is the record carried inside a token. It is never stored
// server-side beyond the Connection it names.
type Session struct {
	SessionID    string
	ConnectionID string
	Metadata     map[string]any
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// VerifyError reports why Verify rejected a token.
type VerifyError struct {
	Kind   Kind
	Reason string
}

func (e *VerifyError) Error() string { return e.Reason }

// Codec mints and verifies session tokens. It is stateless and safe for
// concurrent use; all inputs to Mint/Verify are deterministic.
type Codec struct {
	secret []byte
}

// NewCodec constructs a Codec from a signing secret. The secret must be at
// least 32 bytes (256 bits); this is a synchronous VALIDATION failure, not a
// runtime one, since a weak secret is a configuration error caught at
// startup.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("token: secret must be at least %d bytes, got %d", minSecretBytes, len(secret))
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Codec{secret: cp}, nil
}

type claims struct {
	SessionID string         `json:"sid"`
	ConnID    string         `json:"cid"`
	Metadata  map[string]any `json:"meta,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs a new token naming sessionID/connectionID, carrying metadata,
// and expiring after ttl.
func (c *Codec) Mint(sessionID, connectionID string, metadata map[string]any, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := claims{
		SessionID: sessionID,
		ConnID:    connectionID,
		Metadata:  metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tok, returning the embedded Session if the
// signature matches and the token has not expired.
func (c *Codec) Verify(tok string) (*Session, error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(tok, &cl, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Kind: KindExpired, Reason: "session token expired"}
		}
		return nil, &VerifyError{Kind: KindInvalid, Reason: "session token invalid: " + err.Error()}
	}
	if !parsed.Valid {
		return nil, &VerifyError{Kind: KindInvalid, Reason: "session token invalid"}
	}

	return &Session{
		SessionID:    cl.SessionID,
		ConnectionID: cl.ConnID,
		Metadata:     cl.Metadata,
		IssuedAt:     cl.IssuedAt.Time,
		ExpiresAt:    cl.ExpiresAt.Time,
	}, nil
}
