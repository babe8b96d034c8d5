// Package tokens verifies bearer credentials presented by connecting clients
// and decodes them into an identity usable by the rest of the gateway.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Classified verification failures. These are sentinel errors that can be
// checked with errors.Is(); the router maps each to a wire error code.
var (
	ErrTokenMissing   = errors.New("credential missing")
	ErrTokenMalformed = errors.New("credential malformed")
	ErrTokenExpired   = errors.New("credential expired")
	ErrTokenSignature = errors.New("credential signature invalid")
)

// Identity is the verified subject and role claims bound to a connection
// once authentication succeeds.
type Identity struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries the given role claim.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type identityClaims struct {
	jwt.RegisteredClaims

	Roles []string `json:"roles,omitempty"`
}

// Verifier validates HMAC-signed bearer tokens. It holds only the shared
// verification key and is safe for concurrent use.
type Verifier struct {
	key    []byte
	leeway time.Duration
}

// NewVerifier creates a verifier for tokens signed with the given key.
func NewVerifier(key string) *Verifier {
	return &Verifier{
		key:    []byte(key),
		leeway: 30 * time.Second,
	}
}

// Verify decodes and validates a bearer credential.
//
// On success it returns the embedded identity. On failure it returns one of
// the classified sentinel errors; callers never see raw jwt library errors.
// Verify has no side effects and may be called repeatedly and concurrently.
func (v *Verifier) Verify(credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrTokenMissing
	}

	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(credential, claims,
		func(_ *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, classifyError(err)
	}

	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrTokenMalformed
	}

	return &Identity{
		Subject: subject,
		Roles:   claims.Roles,
	}, nil
}

// classifyError collapses jwt library errors into the gateway's taxonomy.
func classifyError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return ErrTokenMalformed
	}
}
