package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:                "switchboard-gateway",
		Environment:            "production",
		StrictProdSecurity:     "true",
		JWKSURL:                "https://auth.example.com/.well-known/jwks.json",
		RedisAddr:              "redis:6379",
		RedisRequireTLS:        "true",
		CORSAllowedOrigins:     "https://console.example.com",
		RequiredServiceSecrets: []EnvRequirement{{Name: "REDIS_PASSWORD", Value: "secret"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.JWKSURL = "http://localhost:9000/jwks.json"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	t.Run("staging_enforced", func(t *testing.T) {
		o := base
		o.Environment = "staging"
		o.JWKSURL = ""
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected staging to enforce hardening")
		}
	})

	t.Run("jwks_required", func(t *testing.T) {
		o := base
		o.JWKSURL = "   "
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected JWKS_URL enforcement error")
		}
	})

	t.Run("jwks_https_required", func(t *testing.T) {
		o := base
		o.JWKSURL = "http://auth.example.com/.well-known/jwks.json"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected HTTPS JWKS_URL enforcement error")
		}
	})

	t.Run("redis_tls_required", func(t *testing.T) {
		o := base
		o.RedisRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected REDIS_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_insecure_forbidden", func(t *testing.T) {
		o := base
		o.RedisTLSInsecure = "true"
		o.RedisAllowInsecureTLS = "true"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected insecure redis flags error")
		}
	})

	t.Run("redis_checks_skipped_without_addr", func(t *testing.T) {
		o := base
		o.RedisAddr = ""
		o.RedisRequireTLS = "false"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected redis checks to be skipped without addr, got %v", err)
		}
	})

	t.Run("cors_wildcard_forbidden", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected wildcard CORS error")
		}
	})

	t.Run("cors_localhost_forbidden", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "https://localhost:3000"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected localhost CORS error")
		}
	})

	t.Run("cors_https_required", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "http://console.example.com"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected https CORS error")
		}
	})

	t.Run("cors_explicit_required", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = " , "
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected explicit CORS origins error")
		}
	})

	t.Run("required_secret", func(t *testing.T) {
		o := base
		o.RequiredServiceSecrets = []EnvRequirement{
			{Name: "REDIS_PASSWORD", Value: ""},
		}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected required secret error")
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.JWKSURL = ""
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})
}
