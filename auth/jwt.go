// Package auth implements the Auth Verifier (§4.1): bearer token
// validation and refresh-token exchange. Grounded on the teacher's
// control_plane/auth/jwt.go Claims shape and JWT_SECRET discipline,
// re-signed with a real JWT library instead of hand-rolled HMAC.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind classifies an auth failure per the error taxonomy (§7).
type Kind string

const (
	KindInvalidToken Kind = "InvalidToken"
	KindExpired      Kind = "Expired"
)

// Error is the typed failure returned by Validate/Refresh.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Principal is the authenticated identity carried by a connection.
// No session state is kept here (§4.1).
type Principal struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

type claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Typ   string `json:"typ"` // "access" or "refresh"
	jwt.RegisteredClaims
}

const (
	issuer   = "agentbridge-conductor"
	audience = "agentbridge-control-plane"

	typAccess  = "access"
	typRefresh = "refresh"
)

// Verifier validates bearer tokens and exchanges refresh tokens,
// implementing the Auth Verifier contract (§4.1).
type Verifier struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// minSecretLen mirrors the teacher's "at least 32 bytes" startup check
// in auth/jwt.go's init(), enforced here at construction instead of at
// package import so a library caller controls when it fails.
const minSecretLen = 32

// NewVerifier builds a Verifier from a signing secret. An empty secret
// falls back to an insecure development default, matching the
// teacher's warn-and-continue behavior for local dev without env vars.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		secret = "insecure_default_secret_for_dev_mode_only_32bytes"
	} else if len(secret) < minSecretLen {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	return &Verifier{
		secret:     []byte(secret),
		accessTTL:  15 * time.Minute,
		refreshTTL: 30 * 24 * time.Hour,
	}, nil
}

// Validate verifies signature and expiry, returning the Principal on
// success (§4.1).
func (v *Verifier) Validate(token string) (*Principal, error) {
	c, err := v.parse(token, typAccess)
	if err != nil {
		return nil, err
	}
	return &Principal{UserID: c.Subject, Email: c.Email, Role: c.Role, ExpiresAt: c.ExpiresAt.Time}, nil
}

// Refresh exchanges a refresh token for a new access token and its TTL
// in seconds (§4.1).
func (v *Verifier) Refresh(refreshToken string) (string, int64, error) {
	c, err := v.parse(refreshToken, typRefresh)
	if err != nil {
		return "", 0, err
	}
	access, err := v.GenerateAccessToken(c.Subject, c.Email, c.Role)
	if err != nil {
		return "", 0, &Error{Kind: KindInvalidToken, Err: err}
	}
	return access, int64(v.accessTTL.Seconds()), nil
}

func (v *Verifier) parse(token, wantTyp string) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Kind: KindExpired, Err: err}
		}
		return nil, &Error{Kind: KindInvalidToken, Err: err}
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, &Error{Kind: KindInvalidToken, Err: errors.New("malformed claims")}
	}
	if c.Typ != wantTyp {
		return nil, &Error{Kind: KindInvalidToken, Err: fmt.Errorf("expected %s token, got %s", wantTyp, c.Typ)}
	}
	return c, nil
}

// GenerateAccessToken mints a short-lived access token. Exposed for the
// mock agent / dev login flow; real OAuth/magic-link issuance is out of
// scope (§1).
func (v *Verifier) GenerateAccessToken(userID, email, role string) (string, error) {
	return v.sign(userID, email, role, typAccess, v.accessTTL)
}

// GenerateRefreshToken mints a long-lived refresh token.
func (v *Verifier) GenerateRefreshToken(userID, email, role string) (string, error) {
	return v.sign(userID, email, role, typRefresh, v.refreshTTL)
}

func (v *Verifier) sign(userID, email, role, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Email: email,
		Role:  role,
		Typ:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
