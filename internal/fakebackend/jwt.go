// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fakebackend

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-kiosksync/internal/auth"
)

// Claims identify an authenticated kiosk
type Claims struct {
	SerialNumber string `json:"sn"`
	jwt.RegisteredClaims
}

// tokenAuth issues and verifies kiosk tokens. The secret can be rotated to invalidate
// every token handed out so far.
type tokenAuth struct {
	mu     sync.RWMutex
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenAuth(secret string, ttl time.Duration, now func() time.Time) *tokenAuth {
	return &tokenAuth{secret: []byte(secret), ttl: ttl, now: now}
}

func (a *tokenAuth) rotate(secret string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.secret = []byte(secret)
}

func (a *tokenAuth) key() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.secret
}

// generate issues a token for the kiosk. A non-positive ttl issues a token without exp.
func (a *tokenAuth) generate(kioskUUID, serial string) (string, error) {
	now := a.now()
	claims := &Claims{
		SerialNumber: serial,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "kiosk-backend",
			Subject:  kioskUUID,
			ID:       fmt.Sprintf("%d", now.UnixNano()),
		},
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key())
}

func (a *tokenAuth) validate(tokenString string) (*Claims, error) {
	key := a.key()
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (kiosk UUID) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// middleware rejects requests without a valid bearer token with 401.
func (a *tokenAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := a.validate(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.SetKiosk(r.Context(), claims.Subject, claims.SerialNumber)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
