package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	path := writeConfig(t, `
venue:
  apiKey: key-1
  apiSecret: secret-1
  testnet: true
  demo: false
pipeline:
  queueDepth: 64
reconcile:
  intervalSec: 30
  epsilon: "0.0001"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Venue.APIKey != "key-1" {
		t.Fatalf("apiKey = %q", cfg.Venue.APIKey)
	}
	if cfg.Pipeline.QueueDepth != 64 {
		t.Fatalf("queueDepth = %d", cfg.Pipeline.QueueDepth)
	}
	if cfg.Reconcile.Epsilon != "0.0001" {
		t.Fatalf("epsilon = %q", cfg.Reconcile.Epsilon)
	}
	// 未出现在文件里的字段保留默认值
	if cfg.Pipeline.ReorderWindowMs != 5000 {
		t.Fatalf("reorderWindowMs = %d", cfg.Pipeline.ReorderWindowMs)
	}
	if cfg.ReconcileInterval() != 30*time.Second {
		t.Fatalf("interval = %v", cfg.ReconcileInterval())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
venue:
  apiKey: file-key
  apiSecret: file-secret
`)
	t.Setenv("BYBIT_API_KEY", "env-key")
	t.Setenv("BYBIT_API_SECRET", "env-secret")
	t.Setenv("BYBIT_TESTNET", "true")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Venue.APIKey != "env-key" || cfg.Venue.APISecret != "env-secret" {
		t.Fatalf("环境变量应覆盖文件值: %+v", cfg.Venue)
	}
	if !cfg.Venue.Testnet {
		t.Fatal("BYBIT_TESTNET 未生效")
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	// 凭证缺失必须在连接之前失败
	if _, err := LoadFromFile(""); err == nil {
		t.Fatal("无凭证应报错")
	}
}

func TestEndpointSelection(t *testing.T) {
	cfg := defaultConfig()
	cfg.Venue.Demo = false
	cfg.Venue.Testnet = false
	if cfg.WSURL() != wsURLMainnet || cfg.RESTURL() != restURLMainnet {
		t.Fatalf("mainnet: ws=%s rest=%s", cfg.WSURL(), cfg.RESTURL())
	}

	cfg.Venue.Testnet = true
	if cfg.WSURL() != wsURLTestnet {
		t.Fatalf("testnet: ws=%s", cfg.WSURL())
	}

	// Demo 优先于 Testnet
	cfg.Venue.Demo = true
	if cfg.WSURL() != wsURLDemo || cfg.RESTURL() != restURLDemo {
		t.Fatalf("demo: ws=%s rest=%s", cfg.WSURL(), cfg.RESTURL())
	}

	// 显式覆盖优先于一切
	cfg.Venue.WSURL = "wss://example.test/private"
	if cfg.WSURL() != "wss://example.test/private" {
		t.Fatalf("override: ws=%s", cfg.WSURL())
	}
}
