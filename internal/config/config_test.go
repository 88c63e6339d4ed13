package config

import "testing"

func TestValidateRejectsDefaultTokenInProduction(t *testing.T) {
	cfg := defaults()
	cfg.Environment = "production"
	cfg.AuthorizedTokens = []string{"default-manager-token"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for default token in production")
	}
}

func TestValidateAllowsDefaultTokenInDevelopment(t *testing.T) {
	cfg := defaults()
	cfg.Environment = "development"
	cfg.AuthorizedTokens = []string{"default-manager-token"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsCredentialedWildcardCORS(t *testing.T) {
	cfg := defaults()
	cfg.CORSAllowCredentials = true
	cfg.CORSAllowOrigins = []string{"*"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for credentialed wildcard CORS")
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"task store", func(c *Config) { c.TaskStoreBackend = "mongo" }},
		{"queue", func(c *Config) { c.DispatchQueueBackend = "sqs" }},
		{"shared storage", func(c *Config) { c.SharedStorageBackend = "gcs" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestValidateRequiresBackendCredentials(t *testing.T) {
	cfg := defaults()
	cfg.TaskStoreBackend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error: postgres backend without dsn")
	}

	cfg = defaults()
	cfg.DispatchQueueBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error: redis backend without addr")
	}

	cfg = defaults()
	cfg.SharedStorageBackend = "minio"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error: minio backend without endpoint")
	}
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" a, b ,, c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
