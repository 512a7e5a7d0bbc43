package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leafcheck/internal/config"
)

const defaultTokenTTL = 24 * time.Hour

var errBadCredentials = errors.New("bad credentials")

// authenticator issues and verifies the single-admin bearer tokens.
type authenticator struct {
	username string
	password string
	secret   []byte
	ttl      time.Duration
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// Ephemeral secret: sessions end when the process does.
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = []byte(hex.EncodeToString(buf))
	}
	return &authenticator{
		username: cfg.AdminUsername,
		password: cfg.AdminPassword,
		secret:   secret,
		ttl:      cfg.TokenTTL.Or(defaultTokenTTL),
	}
}

// login verifies the admin credentials and mints a token.
func (a *authenticator) login(username, password string) (token string, expiresAt time.Time, err error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if a.username == "" || a.password == "" || !userOK || !passOK {
		return "", time.Time{}, errBadCredentials
	}

	now := time.Now()
	expiresAt = now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "leafcheck",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return token, expiresAt, err
}

func (a *authenticator) verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}

// requireAuth guards a subtree with Authorization: Bearer <token>.
func (a *authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := a.verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
