// Package auth gates the admin rebuild trigger behind a bearer JWT,
// grounded on the teacher's authorization/middleware.go Bearer-extraction
// pattern and its bcrypt/golang-jwt dependency pair (declared in the
// teacher's go.mod but never wired together in the retrieved files). The
// server holds one shared admin secret rather than a user table: spec.md
// has no multi-tenant concept, only "an internal admin trigger".
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 15 * time.Minute

var (
	ErrInvalidSecret = errors.New("auth: invalid admin secret")
	ErrInvalidToken  = errors.New("auth: invalid or expired token")
)

// Authenticator issues and validates admin bearer tokens. The signing key
// is the plaintext shared secret, held only in memory for the process
// lifetime; secretHash is the bcrypt digest of that same secret, the form
// LoadOrInit persists to its hash file so the plaintext never touches disk.
type Authenticator struct {
	signingKey []byte
	secretHash string
}

// New derives an Authenticator from the operator-supplied shared secret,
// hashing it with bcrypt for at-rest storage in the returned SecretHash.
func New(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: admin secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{signingKey: []byte(secret), secretHash: string(hash)}, nil
}

// FromHash rebuilds an Authenticator at startup from a previously-hashed
// secret plus the plaintext the operator supplies this boot, failing
// closed if they no longer match: a process restarted with a different
// secret than the one its persisted hash was derived from.
func FromHash(secret, hash string) (*Authenticator, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, ErrInvalidSecret
	}
	return &Authenticator{signingKey: []byte(secret), secretHash: hash}, nil
}

// SecretHash is the bcrypt digest suitable for persisting to disk.
func (a *Authenticator) SecretHash() string {
	return a.secretHash
}

// LoadOrInit builds the process Authenticator from hashPath, the bcrypt
// digest persisted across restarts. On first boot (no file yet) it hashes
// the operator-supplied secret with New and persists the result; on every
// later boot it rebuilds with FromHash, so a restart with a different
// ADMIN_SECRET than the one this deployment was provisioned with fails
// closed instead of silently accepting a new admin secret.
func LoadOrInit(secret, hashPath string) (*Authenticator, error) {
	data, err := os.ReadFile(hashPath)
	if err == nil {
		return FromHash(secret, strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: read secret hash: %w", err)
	}

	a, err := New(secret)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(hashPath), 0o755); err != nil {
		return nil, fmt.Errorf("auth: create hash dir: %w", err)
	}
	if err := os.WriteFile(hashPath, []byte(a.SecretHash()), 0o600); err != nil {
		return nil, fmt.Errorf("auth: persist secret hash: %w", err)
	}
	return a, nil
}

// IssueToken mints a short-lived admin-scoped bearer token.
func (a *Authenticator) IssueToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

func (a *Authenticator) validate(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAdmin is middleware gating a handler behind a valid admin bearer
// token, mirroring the teacher's IsAdmin middleware shape.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := a.validate(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims["role"] != "admin" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Secret string `json:"secret"`
}

// HandleLogin exchanges the shared admin secret for a bearer token.
func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(a.secretHash), []byte(req.Secret)) != nil {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	token, err := a.IssueToken()
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}
