package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
auth:
  jwt_secret: "secret"
services:
  - name: orders
    version: v1
    base_url: "http://localhost:3000"
    routes:
      - method: GET
        path: /api/orders/*
`))
	f.Add([]byte(`
server:
  port: 9090
auth:
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
rate_limit:
  store: redis
  redis: { addr: "localhost:6379" }
services:
  - name: users
    version: v2
    base_url: "https://users:3000"
    rate_limit: { window: 1m, max_requests: 10 }
    circuit_breaker: { failure_threshold: 2, timeout: 1s }
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`services: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`auth: { jwt_secret: "${UNSET:-x}" }`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			t.Errorf("non-positive rps escaped validation: %f", cfg.RateLimit.RequestsPerSecond)
		}
		if cfg.RateLimit.BurstSize <= 0 {
			t.Errorf("non-positive burst escaped validation: %d", cfg.RateLimit.BurstSize)
		}
		if cfg.Auth.JWTSecret == "" {
			t.Error("empty jwt secret escaped validation")
		}
		for i, svc := range cfg.Services {
			if svc.RateLimit != nil && (svc.RateLimit.Window <= 0 || svc.RateLimit.MaxRequests <= 0) {
				t.Errorf("services[%d] invalid rate limit escaped validation", i)
			}
		}
	})
}
