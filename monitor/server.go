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

// Package monitor serves the live event stream and the stored reports of
// vbot runs over HTTP.
package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ttbt-io/vbot/reports"
	"github.com/ttbt-io/vbot/runner"
)

// Options represent server options.
type Options struct {
	Addr     string
	Listener net.Listener
	Cert     *tls.Certificate
	Debug    bool

	// Reports serves /api/runs when set.
	Reports *reports.Store

	// Auth Options. Authentication is enabled when either is set.
	AuthSecret     string
	AuthJWKSURL    string
	AuthCookieName string
}

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	addr       net.Addr
}

// StartServer starts the monitor server in the background.
func StartServer(opts Options) (*Server, error) {
	hub := newHub()
	handler := newHandler(opts, hub)

	ln := opts.Listener
	if ln == nil {
		addr := opts.Addr
		if addr == "" {
			addr = ":8080"
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	httpServer := &http.Server{Handler: handler}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	go hub.run()
	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			log.Printf("Monitor: starting HTTPS server on %s...", ln.Addr())
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			log.Printf("Monitor: starting HTTP server on %s...", ln.Addr())
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		hub:        hub,
		addr:       ln.Addr(),
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Publish sends ev to every connected client, tagged with runID.
func (s *Server) Publish(runID string, ev runner.Event) {
	s.hub.publish(EventMessage(runID, ev))
}

// Listener returns a runner listener that publishes every event of the
// given run.
func (s *Server) Listener(runID string) runner.Listener {
	return func(ev runner.Event) {
		s.Publish(runID, ev)
	}
}

// Shutdown gracefully stops the HTTP server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string
	s.hub.stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// NewHandler returns the HTTP handler of a server that is not listening,
// together with the function that publishes events to its clients and the
// function that stops it.
func NewHandler(opts Options) (http.Handler, func(string, runner.Event), func()) {
	hub := newHub()
	go hub.run()
	publish := func(runID string, ev runner.Event) {
		hub.publish(EventMessage(runID, ev))
	}
	return newHandler(opts, hub), publish, hub.stop
}

func newHandler(opts Options, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(hub, w, r)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		listRunsHandler(opts.Reports, w, r)
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		getRunHandler(opts.Reports, w, r)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	var handler http.Handler = mux
	if opts.AuthSecret != "" || opts.AuthJWKSURL != "" {
		handler = jwtAuthMiddleware(opts, handler)
	} else {
		log.Println("Warning: monitor authentication is disabled.")
	}
	handler = cacheControlMiddleware(handler)
	if opts.Debug {
		handler = loggingMiddleware(handler)
	}
	return handler
}

// serveWS handles websocket requests from the peer.
func serveWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, maxHistory+256), userID: UserID(r)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Monitor: encoding response: %v", err)
	}
}

func listRunsHandler(store *reports.Store, w http.ResponseWriter, r *http.Request) {
	if store == nil {
		http.Error(w, "Reports are not enabled", http.StatusNotFound)
		return
	}
	q, err := reports.ParseQuery(r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := store.FindRuns(q)
	if err != nil {
		log.Printf("Monitor: listing runs: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []reports.RunMetadata{}
	}
	writeJSON(w, runs)
}

func getRunHandler(store *reports.Store, w http.ResponseWriter, r *http.Request) {
	if store == nil {
		http.Error(w, "Reports are not enabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	if !reports.ValidRunID(id) {
		http.Error(w, "Invalid run id", http.StatusBadRequest)
		return
	}
	report, err := store.LoadRun(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		log.Printf("Monitor: loading run %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

// cacheControlMiddleware keeps run data out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
