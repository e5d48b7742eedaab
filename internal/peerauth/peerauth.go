// Package peerauth issues and verifies the short-lived tokens peer data
// centers exchange on the replication endpoints. Each peer pair shares an
// HS256 secret; a token names its sender (subject) and its intended
// receiver (audience), so a token minted for one peer is useless against
// another.
package peerauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrUnknownPeer is returned when no shared secret is configured for
	// the peer a token names.
	ErrUnknownPeer = errors.New("peerauth: unknown peer")

	// ErrInvalidToken is returned for tokens that parse but fail
	// validation.
	ErrInvalidToken = errors.New("peerauth: invalid token")
)

// DefaultTokenTTL bounds how long a minted token stays usable. Tokens are
// minted per push, so the window only needs to cover one request.
const DefaultTokenTTL = time.Minute

// Keyring holds this data center's identity and the per-peer shared
// secrets. It is immutable after construction and safe for concurrent use.
type Keyring struct {
	localID string
	ttl     time.Duration
	keys    map[string][]byte
}

// New creates a keyring. keys maps peer data center IDs to the secret
// shared with that peer.
func New(localID string, ttl time.Duration, keys map[string]string) *Keyring {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	k := &Keyring{
		localID: localID,
		ttl:     ttl,
		keys:    make(map[string][]byte, len(keys)),
	}
	for peer, secret := range keys {
		k.keys[peer] = []byte(secret)
	}
	return k
}

// LocalID returns this data center's identity as used in tokens.
func (k *Keyring) LocalID() string {
	return k.localID
}

// Mint signs a token for the given peer. The subject is the local data
// center, the audience the peer.
func (k *Keyring) Mint(peerID string) (string, error) {
	secret, ok := k.keys[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   k.localID,
		Audience:  jwt.ClaimStrings{peerID},
		ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify checks a token presented by a peer and returns the sending
// peer's ID. The signature is checked against the secret shared with the
// subject peer, and the audience must be this data center.
func (k *Keyring) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, ErrInvalidToken
		}
		secret, ok := k.keys[sub]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, sub)
		}
		return secret, nil
	}, jwt.WithAudience(k.localID))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
