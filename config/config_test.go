package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hec-ovi/open-research/internal/research"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Research.MaxIterations != 3 {
		t.Errorf("max_iterations default = %d, want 3", cfg.Research.MaxIterations)
	}
	if cfg.Research.MaxFinderRetries != 2 {
		t.Errorf("max_finder_retries default = %d, want 2", cfg.Research.MaxFinderRetries)
	}
	if cfg.Research.StageTimeout != 2*time.Minute {
		t.Errorf("stage_timeout default = %s, want 2m", cfg.Research.StageTimeout)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("server address default = %q", cfg.Server.Address)
	}
	if cfg.LLM.BaseURL == "" || cfg.LLM.Model == "" {
		t.Errorf("llm defaults missing: %+v", cfg.LLM)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"research": {"max_iterations": 5, "report_length": "long", "stage_timeout": "90s"},
		"llm": {"model": "llama3"},
		"storage": {"postgres": {"host": "db", "dbname": "research", "user": "u", "password": "p"}}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Research.MaxIterations != 5 || cfg.Research.ReportLength != "long" {
		t.Fatalf("file values not applied: %+v", cfg.Research)
	}
	if cfg.Research.StageTimeout != 90*time.Second {
		t.Fatalf("stage_timeout = %s, want 90s", cfg.Research.StageTimeout)
	}
	if cfg.LLM.Model != "llama3" {
		t.Fatalf("llm model = %q", cfg.LLM.Model)
	}
	// Untouched sections keep their defaults.
	if cfg.Research.MaxFinderRetries != 2 {
		t.Fatalf("max_finder_retries = %d, want default 2", cfg.Research.MaxFinderRetries)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("OPENRESEARCH_RESEARCH_MAX_ITERATIONS", "7")
	t.Setenv("OPENRESEARCH_LLM_MODEL", "mistral")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Research.MaxIterations != 7 {
		t.Fatalf("env override ignored, max_iterations = %d", cfg.Research.MaxIterations)
	}
	if cfg.LLM.Model != "mistral" {
		t.Fatalf("env override ignored, model = %q", cfg.LLM.Model)
	}
}

func TestLoadConfigRejectsInvalidResearchSection(t *testing.T) {
	cases := map[string]string{
		"bad report length":   `{"research": {"report_length": "huge"}}`,
		"zero max iterations": `{"research": {"max_iterations": -1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfigFile(t, body)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestLoadConfigMissingExplicitFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("explicitly named config file must exist")
	}
}

func TestRunDefaultsProjection(t *testing.T) {
	r := ResearchConfig{
		MaxIterations:    4,
		MaxFinderRetries: 1,
		MaxSources:       6,
		SourceDiversity:  true,
		ReportLength:     "short",
	}
	got := r.RunDefaults("llama3")
	want := research.RunConfig{
		MaxSources:       6,
		MaxIterations:    4,
		MaxFinderRetries: 1,
		SourceDiversity:  true,
		ReportLength:     research.ReportShort,
		Model:            "llama3",
	}
	if got != want {
		t.Fatalf("RunDefaults = %+v, want %+v", got, want)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{URL: "postgres://u:p@h:5432/db"}
	if dsn, err := p.DSN(); err != nil || dsn != p.URL {
		t.Fatalf("url should win: %q, %v", dsn, err)
	}

	p = PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "research"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/research?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("empty postgres config must error")
	}
}

func TestRedisAddr(t *testing.T) {
	if (RedisConfig{}).Enabled() {
		t.Fatalf("empty redis config should be disabled")
	}
	r := RedisConfig{Host: "cache"}
	if !r.Enabled() || r.Addr() != "cache:6379" {
		t.Fatalf("unexpected addr %q", r.Addr())
	}
}
