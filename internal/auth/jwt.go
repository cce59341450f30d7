package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserVerifier validates user bearer tokens. Tokens are HS256-signed with the
// relay's JWT secret and identify the user in the `sub` claim.
type UserVerifier struct {
	secret []byte

	// timeFunc overrides token clock checks in tests.
	timeFunc func() time.Time
}

func NewUserVerifier(secret string) *UserVerifier {
	return &UserVerifier{
		secret:   []byte(secret),
		timeFunc: time.Now,
	}
}

// Verify checks the token signature and standard claims, returning the user
// id from `sub`.
func (v *UserVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.timeFunc),
	)
	if err != nil {
		// Collapse parse/signature/expiry detail: callers only distinguish
		// valid from invalid, and the reject message must not leak why.
		return "", ErrInvalidCredentials
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", ErrInvalidCredentials
	}
	return sub, nil
}
