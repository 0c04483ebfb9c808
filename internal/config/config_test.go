package config

import (
	"os"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:1080" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.1:1080", cfg.SOCKS5.Address)
	}
	if cfg.HTTPProxy.Address != "127.0.0.1:8080" {
		t.Errorf("HTTPProxy.Address = %s, want 127.0.0.1:8080", cfg.HTTPProxy.Address)
	}
	if cfg.SOCKS5.Enabled || cfg.HTTPProxy.Enabled {
		t.Error("listeners should be disabled by default")
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
logging:
  level: debug
  format: json

socks5:
  enabled: true
  address: "0.0.0.0:1080"
  auth:
    enabled: true
    users:
      - username: alice
        password_hash: "$2a$10$abcdefghijklmnopqrstuv"

http_proxy:
  enabled: true
  address: "0.0.0.0:8080"

reverse_proxy:
  listeners:
    - address: "0.0.0.0:9000"
      upstream: "10.0.0.5:443"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if !cfg.SOCKS5.Enabled || cfg.SOCKS5.Address != "0.0.0.0:1080" {
		t.Errorf("SOCKS5 = %+v", cfg.SOCKS5)
	}
	if len(cfg.SOCKS5.Auth.Users) != 1 || cfg.SOCKS5.Auth.Users[0].Username != "alice" {
		t.Errorf("SOCKS5.Auth.Users = %+v", cfg.SOCKS5.Auth.Users)
	}
	if !cfg.HTTPProxy.Enabled || cfg.HTTPProxy.Address != "0.0.0.0:8080" {
		t.Errorf("HTTPProxy = %+v", cfg.HTTPProxy)
	}
	if len(cfg.ReverseProxy.Listeners) != 1 || cfg.ReverseProxy.Listeners[0].Upstream != "10.0.0.5:443" {
		t.Errorf("ReverseProxy.Listeners = %+v", cfg.ReverseProxy.Listeners)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("logging:\n  level: loud\n"))
	if err == nil {
		t.Fatal("expected error for invalid logging.level")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	os.Setenv("MULTIPROXY_TEST_ADDR", "127.0.0.1:2080")
	defer os.Unsetenv("MULTIPROXY_TEST_ADDR")

	yamlConfig := `
socks5:
  enabled: true
  address: "${MULTIPROXY_TEST_ADDR}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:2080" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.1:2080", cfg.SOCKS5.Address)
	}
}

func TestParse_EnvVarDefault(t *testing.T) {
	os.Unsetenv("MULTIPROXY_MISSING_VAR")

	yamlConfig := `
socks5:
  enabled: true
  address: "${MULTIPROXY_MISSING_VAR:-127.0.0.1:3080}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:3080" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.1:3080", cfg.SOCKS5.Address)
	}
}

func TestValidate_ReverseProxyMissingUpstream(t *testing.T) {
	cfg := Default()
	cfg.ReverseProxy.Listeners = []ReverseProxyListenerConfig{
		{Address: "0.0.0.0:9000"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing upstream")
	}
}

func TestValidate_ReverseProxyInvalidUpstream(t *testing.T) {
	cfg := Default()
	cfg.ReverseProxy.Listeners = []ReverseProxyListenerConfig{
		{Address: "0.0.0.0:9000", Upstream: "not-a-host-port"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid upstream")
	}
}

func TestValidate_AuthRequiresCredential(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Enabled = true
	cfg.SOCKS5.Auth.Enabled = true
	cfg.SOCKS5.Auth.Users = []SOCKS5UserConfig{{Username: "bob"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for user with no password or hash")
	}
}

func TestRedacted_HidesPasswords(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Enabled = true
	cfg.SOCKS5.Auth.Enabled = true
	cfg.SOCKS5.Auth.Users = []SOCKS5UserConfig{{Username: "bob", Password: "hunter2"}}

	out := cfg.String()
	if strings.Contains(out, "hunter2") {
		t.Error("Redacted()/String() leaked a plaintext password")
	}

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}
}

func TestStringUnsafe_IncludesPasswords(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Auth.Users = []SOCKS5UserConfig{{Username: "bob", Password: "hunter2"}}

	if !strings.Contains(cfg.StringUnsafe(), "hunter2") {
		t.Error("StringUnsafe() should include plaintext password")
	}
}
