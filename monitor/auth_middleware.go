// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

type contextKey int

// userIDKey is the context key for the authenticated subject.
// The associated value is always a string.
var userIDKey contextKey

// UserID returns the authenticated subject of the request, if any.
func UserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

const defaultCookieName = "vbot_auth"

// keySource resolves the verification key of a token.
type keySource struct {
	secret  []byte
	jwksURL string
	debug   bool

	mu          sync.RWMutex
	keys        jwk.Set
	lastRefresh time.Time
}

// refreshKeys fetches the JWKS from the URL.
func (ks *keySource) refreshKeys() error {
	if ks.jwksURL == "" {
		return fmt.Errorf("no JWKS URL provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	set, err := jwk.Fetch(ctx, ks.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	ks.mu.Lock()
	ks.keys = set
	ks.lastRefresh = time.Now()
	ks.mu.Unlock()
	return nil
}

func findKey(set jwk.Set, id string) (any, error) {
	if set == nil {
		return nil, fmt.Errorf("JWKS not initialized")
	}
	key, ok := set.LookupKeyID(id)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", id)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

func (ks *keySource) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(ks.secret) == 0 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ks.secret, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		if ks.jwksURL == "" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token missing 'kid' header")
	}

	ks.mu.RLock()
	localKeys := ks.keys
	localLastRefresh := ks.lastRefresh
	ks.mu.RUnlock()

	key, err := findKey(localKeys, kid)
	if err == nil {
		return key, nil
	}
	// Unknown kid: the keys may have rotated. Refresh at most once a minute.
	if time.Since(localLastRefresh) > time.Minute {
		if err := ks.refreshKeys(); err != nil {
			log.Printf("Error refreshing JWKS: %v", err)
			return nil, err
		}
		ks.mu.RLock()
		localKeys = ks.keys
		ks.mu.RUnlock()
		return findKey(localKeys, kid)
	}
	return nil, err
}

// tokenFromRequest looks for a bearer token, then the auth cookie, then the
// token query parameter used by browser websocket clients.
func tokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// jwtAuthMiddleware rejects requests without a valid token. Tokens are
// signed with the shared HMAC secret or with a key published at the JWKS
// URL.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	ks := &keySource{
		secret:  []byte(opts.AuthSecret),
		jwksURL: opts.AuthJWKSURL,
		debug:   opts.Debug,
	}
	// Initial fetch attempt (non-fatal if it fails, will retry on request)
	if opts.AuthJWKSURL != "" {
		if err := ks.refreshKeys(); err != nil {
			log.Printf("Warning: Failed to fetch JWKS on startup: %v", err)
		}
	}
	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultCookieName
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := tokenFromRequest(r, cookieName)
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenString, ks.keyFunc)
		if err != nil || !token.Valid {
			if err == nil {
				err = errors.New("invalid token")
			}
			if ks.debug {
				log.Printf("JWT Validation failed: %v", err)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		subject, _ := token.Claims.GetSubject()
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if email, ok := claims["email"].(string); ok && email != "" {
				subject = strings.ToLower(strings.TrimSpace(email))
			}
		}
		ctx := context.WithValue(r.Context(), userIDKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
