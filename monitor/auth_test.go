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
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const testSecret = "test-secret"

func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func getStatus(t *testing.T, url string, mod func(*http.Request)) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if mod != nil {
		mod(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAuthHMAC(t *testing.T) {
	srv, _ := startTestServer(t, Options{AuthSecret: testSecret})
	valid := hmacToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	expired := hmacToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "eve"}).SignedString([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		mod  func(*http.Request)
		want int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: defaultCookieName, Value: valid}) }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + valid }, http.StatusOK},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongKey) }, http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer xyz") }, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := getStatus(t, srv.URL+"/healthz", tc.mod); got != tc.want {
				t.Errorf("status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAuthWebSocket(t *testing.T) {
	srv, _ := startTestServer(t, Options{AuthSecret: testSecret})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}

	tok := hmacToken(t, jwt.MapClaims{"sub": "alice"})
	conn, _, err := websocket.DefaultDialer.Dial(u+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitRegistered(t, conn)
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAuthWebSocketLogsUser(t *testing.T) {
	var logs syncBuffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	srv, _ := startTestServer(t, Options{AuthSecret: testSecret})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	tok := hmacToken(t, jwt.MapClaims{"sub": "alice"})
	conn, _, err := websocket.DefaultDialer.Dial(u+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitRegistered(t, conn)

	// An unexpected close code is logged with the client's user.
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bye")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), `client "alice"`) {
		if time.Now().After(deadline) {
			t.Fatalf("log output = %q", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthSubject(t *testing.T) {
	opts := Options{AuthSecret: testSecret}
	var got string
	handler := jwtAuthMiddleware(opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r)
	}))

	for _, tc := range []struct {
		claims jwt.MapClaims
		want   string
	}{
		{jwt.MapClaims{"sub": "alice"}, "alice"},
		{jwt.MapClaims{"sub": "alice", "email": " Alice@Example.COM "}, "alice@example.com"},
	} {
		got = ""
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+hmacToken(t, tc.claims))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK || got != tc.want {
			t.Errorf("claims %v: status %d, user %q, want %q", tc.claims, w.Code, got, tc.want)
		}
	}
}

func TestAuthJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.Import(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := key.Set(jwk.KeyIDKey, "k1"); err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatal(err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	defer jwks.Close()

	srv, _ := startTestServer(t, Options{AuthJWKSURL: jwks.URL})

	sign := func(kid string, method jwt.SigningMethod, k any) string {
		tok := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "bob"})
		if kid != "" {
			tok.Header["kid"] = kid
		}
		s, err := tok.SignedString(k)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	bearer := func(tok string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
	}

	if got := getStatus(t, srv.URL+"/healthz", bearer(sign("k1", jwt.SigningMethodRS256, priv))); got != http.StatusOK {
		t.Errorf("valid RS256 token: status %d", got)
	}
	if got := getStatus(t, srv.URL+"/healthz", bearer(sign("", jwt.SigningMethodRS256, priv))); got != http.StatusUnauthorized {
		t.Errorf("token without kid: status %d", got)
	}
	if got := getStatus(t, srv.URL+"/healthz", bearer(sign("k2", jwt.SigningMethodRS256, priv))); got != http.StatusUnauthorized {
		t.Errorf("unknown kid: status %d", got)
	}
	// HMAC tokens are rejected when no secret is configured.
	if got := getStatus(t, srv.URL+"/healthz", bearer(sign("k1", jwt.SigningMethodHS256, []byte(testSecret)))); got != http.StatusUnauthorized {
		t.Errorf("HMAC token: status %d", got)
	}
}
