package config

import (
	"os"
	"testing"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestParse_Minimal(t *testing.T) {
	data := []byte(`
listen:
  address: "0.0.0.0:1080"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != "0.0.0.0:1080" {
		t.Errorf("Listen.Address = %q, want 0.0.0.0:1080", cfg.Listen.Address)
	}
	// Defaults not overridden by the document should survive.
	if cfg.Timeouts.Handshake == 0 {
		t.Error("Timeouts.Handshake should default to a nonzero value")
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	data := []byte(`
log:
  level: "verbose"
listen:
  address: "127.0.0.1:1080"
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestParse_DuplicateUsernames(t *testing.T) {
	data := []byte(`
listen:
  address: "127.0.0.1:1080"
auth:
  users:
    - username: alice
      password_hash: "$2a$10$abc"
    - username: alice
      password_hash: "$2a$10$def"
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for duplicate usernames")
	}
}

func TestParse_MissingPasswordHash(t *testing.T) {
	data := []byte(`
listen:
  address: "127.0.0.1:1080"
auth:
  users:
    - username: alice
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for missing password_hash")
	}
}

func TestParse_WebSocketRequiresTLSUnlessPlaintext(t *testing.T) {
	data := []byte(`
listen:
  address: "127.0.0.1:1080"
websocket:
  enabled: true
  address: "127.0.0.1:8443"
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for websocket without TLS or plaintext")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	os.Setenv("SOCKS5D_TEST_ADDR", "127.0.0.1:9999")
	defer os.Unsetenv("SOCKS5D_TEST_ADDR")

	data := []byte(`
listen:
  address: "${SOCKS5D_TEST_ADDR}"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1:9999" {
		t.Errorf("Listen.Address = %q, want 127.0.0.1:9999", cfg.Listen.Address)
	}
}

func TestParse_EnvVarDefault(t *testing.T) {
	os.Unsetenv("SOCKS5D_TEST_UNSET")
	data := []byte(`
listen:
  address: "${SOCKS5D_TEST_UNSET:-127.0.0.1:1080}"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1:1080" {
		t.Errorf("Listen.Address = %q, want 127.0.0.1:1080", cfg.Listen.Address)
	}
}

func TestCredentials_NoAuthWhenEmpty(t *testing.T) {
	cfg := Default()
	if cfg.Credentials() != nil {
		t.Error("Credentials() should be nil when no users are configured")
	}
}

func TestCredentials_BuildsHashedStore(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []UserConfig{{Username: "alice", PasswordHash: "$2a$10$abc"}}

	creds := cfg.Credentials()
	if creds == nil {
		t.Fatal("Credentials() should be non-nil when users are configured")
	}
}

func TestToServerConfig(t *testing.T) {
	cfg := Default()
	cfg.Listen.Address = "127.0.0.1:1080"
	cfg.Listen.MaxConnections = 42

	sc := cfg.ToServerConfig(nil, nil)
	if sc.BindAddr != "127.0.0.1:1080" {
		t.Errorf("BindAddr = %q, want 127.0.0.1:1080", sc.BindAddr)
	}
	if sc.MaxConnections != 42 {
		t.Errorf("MaxConnections = %d, want 42", sc.MaxConnections)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("expected error loading a nonexistent file")
	}
}
