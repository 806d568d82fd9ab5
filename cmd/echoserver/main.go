// Package main provides a small upstream service for exercising the
// gateway. It echoes request details as JSON and exposes a /health
// endpoint whose answer can be flipped at runtime.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			*port = v
		}
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", *name)

	var healthy atomic.Bool
	healthy.Store(true)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"service": *name, "status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": *name, "status": "healthy"})
	})

	// POST /__health/down and /__health/up flip the /health answer so the
	// gateway's prober can be observed marking the service unhealthy.
	mux.HandleFunc("POST /__health/{state}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("state") {
		case "up":
			healthy.Store(true)
		case "down":
			healthy.Store(false)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "state must be up or down"})
			return
		}
		logger.Info("health toggled", "healthy", healthy.Load())
		writeJSON(w, http.StatusOK, map[string]any{"service": *name, "healthy": healthy.Load()})
	})

	// /__status/{code} returns an arbitrary HTTP status code, for testing
	// error relay and the circuit breaker.
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__status/"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"user_id":     r.Header.Get("X-User-Id"),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
