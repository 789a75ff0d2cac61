package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"web3":{"chain_config":"chains.yaml"}}`), "/etc/chainai")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.RequestTimeout() != 120*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Agent.LLMTimeout() != 45*time.Second || cfg.Agent.FunctionTimeout() != 30*time.Second {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Web3.ChainConfig != filepath.Join("/etc/chainai", "chains.yaml") {
		t.Fatalf("chain config should be resolved against the config dir, got %s", cfg.Web3.ChainConfig)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.TaskQueue.Driver != "memory" || cfg.Storage.History.Driver != "memory" {
		t.Fatalf("unexpected storage defaults: %+v %+v", cfg.Storage, cfg.TaskQueue)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Fatalf("unexpected default provider %s", cfg.LLM.DefaultProvider)
	}
}

func TestParseRejectsUnknownDrivers(t *testing.T) {
	cases := []string{
		`{"storage":{"task_store":{"driver":"sqlite"}}}`,
		`{"task_queue":{"driver":"kafka"}}`,
		`{"llm":{"default_provider":"mistral"}}`,
	}
	for _, content := range cases {
		if _, err := Parse([]byte(content), "."); err == nil {
			t.Fatalf("expected error for %s", content)
		}
	}
}

func TestProviderCredentialsFromEnv(t *testing.T) {
	t.Setenv("TEST_CHAINAI_OPENAI", " sk-test ")
	cfg, err := Parse([]byte(`{"llm":{"openai":{"api_key_env":"TEST_CHAINAI_OPENAI","model":"gpt-4o"}}}`), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	provider, ok := cfg.LLM.Provider("openai")
	if !ok {
		t.Fatalf("openai provider should be known")
	}
	if provider.APIKey() != "sk-test" || provider.Model != "gpt-4o" {
		t.Fatalf("unexpected provider config: %+v key=%q", provider, provider.APIKey())
	}
}

func TestLoadAndPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainai.json")
	if err := os.WriteFile(path, []byte(`{"server":{"address":":9090"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load(PathFromEnv())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
}
