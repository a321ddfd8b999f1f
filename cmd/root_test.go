package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testAddress = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath, credentialsPath, proxyURL, rateLimit, gatewayHost = "", "", "", "", ""
	logLevel, logFile = "", ""
	quiet, debug = false, false
	t.Setenv("TALEFORGE_API_KEY", "")
	t.Setenv("TALEFORGE_API_SECRET", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestURLCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bare", testAddress},
		{"ipfs_uri", "ipfs://" + testAddress},
		{"gateway_url", "https://other.example/ipfs/" + testAddress + "/index.html"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(t, "-q", "--gateway", "gw.example.com", "url", tt.input)
			if err != nil {
				t.Fatalf("url failed: %v", err)
			}
			want := "https://gw.example.com/ipfs/" + testAddress + "\n"
			if out != want {
				t.Errorf("expected %q, got %q", want, out)
			}
		})
	}
}

func TestURLCommandRejectsInvalidAddress(t *testing.T) {
	if _, err := executeCommand(t, "-q", "url", "not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestLoadConfigurationFlagOverrides(t *testing.T) {
	if _, err := executeCommand(t, "-q", "--limit-rate", "2M", "--proxy", "http://proxy:8080", "--log-level", "warn",
		"url", testAddress); err != nil {
		t.Fatalf("command failed: %v", err)
	}

	if config.UploadRateLimit != "2M" {
		t.Errorf("expected rate limit 2M, got %q", config.UploadRateLimit)
	}
	if config.ProxyURL != "http://proxy:8080" {
		t.Errorf("expected proxy override, got %q", config.ProxyURL)
	}
	if !config.QuietMode || config.LogLevel != "warn" {
		t.Errorf("expected quiet warn logging, got quiet=%v level=%q", config.QuietMode, config.LogLevel)
	}
}

func TestCredentialsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	keyring := `
[[credentials]]
id = "alpha"
api_key = "key-a"
api_secret = "secret-a"

[[credentials]]
id = "beta"
api_key = "key-b"
api_secret = "secret-b"
`
	if err := os.WriteFile(path, []byte(keyring), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "-q", "--credentials", path, "credentials")
	if err != nil {
		t.Fatalf("credentials failed: %v", err)
	}

	for _, want := range []string{"ID", "alpha", "beta", "ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "secret-a") || strings.Contains(out, "key-b") {
		t.Errorf("credential secrets leaked into output:\n%s", out)
	}
}

func TestCredentialsCommandWithoutKeys(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if _, err := executeCommand(t, "-q", "--credentials", missing, "credentials"); err == nil {
		t.Error("expected error when no credentials are configured")
	}
}
