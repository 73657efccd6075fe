package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bountymesh.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"runtime":{"data_dir":"state"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)

	if cfg.Runtime.DataDir != filepath.Join(base, "state") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	if cfg.Reconciler.LedgerPath != filepath.Join(base, "state", "fund-ledger.json") {
		t.Fatalf("unexpected ledger path %s", cfg.Reconciler.LedgerPath)
	}
	if cfg.Storage.Driver != "memory" || cfg.Events.Driver != "none" {
		t.Fatalf("unexpected drivers %s/%s", cfg.Storage.Driver, cfg.Events.Driver)
	}
	if cfg.Oracle.Concurrency != 4 || cfg.Oracle.MaxItems != 12 {
		t.Fatalf("unexpected oracle defaults %+v", cfg.Oracle)
	}
	if cfg.Oracle.MaxItemBytes != 8192 || cfg.Oracle.MaxTotalBytes != 49152 {
		t.Fatalf("unexpected byte limits %+v", cfg.Oracle)
	}
	if Seconds(cfg.Oracle.AgentTimeoutSeconds) != time.Minute {
		t.Fatalf("unexpected agent timeout %d", cfg.Oracle.AgentTimeoutSeconds)
	}
	if cfg.Market.ReputationDelta != 5 {
		t.Fatalf("unexpected reputation delta %d", cfg.Market.ReputationDelta)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"web3": {"chain_config": "chains.yaml"},
		"llm": {"provider": "script_bridge", "script_bridge": {"script_path": "scripts/analyze.py"}},
		"logging": {"audit": {"enabled": true}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Web3.ChainConfig != filepath.Join(base, "chains.yaml") {
		t.Fatalf("unexpected chain config %s", cfg.Web3.ChainConfig)
	}
	if cfg.LLM.ScriptBridge.ScriptPath != filepath.Join(base, "scripts", "analyze.py") {
		t.Fatalf("unexpected script path %s", cfg.LLM.ScriptBridge.ScriptPath)
	}
	if !strings.HasSuffix(cfg.Logging.Audit.Path, filepath.Join("data", "audit.log")) {
		t.Fatalf("unexpected audit path %s", cfg.Logging.Audit.Path)
	}
}

func TestLoadRejectsInconsistentConfig(t *testing.T) {
	cases := map[string]string{
		"mysql without dsn":     `{"storage":{"driver":"mysql"}}`,
		"unknown events driver": `{"events":{"driver":"kafka"}}`,
		"threshold range":       `{"oracle":{"threshold":101}}`,
		"reconciler treasury":   `{"reconciler":{"enabled":true},"web3":{"chain_config":"c.yaml"}}`,
		"oracle without chain":  `{"oracle":{"enabled":true}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
