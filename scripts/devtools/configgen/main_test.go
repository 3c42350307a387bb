package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRenderMergesOverridesAndAdmin(t *testing.T) {
	dir := t.TempDir()
	base := `
database:
  driver: mysql
  dsn: base-dsn
queue:
  driver: kafka
  kafka:
    brokers: [k1:9092, k2:9092]
admin:
  issuer: base
`
	profile := `
outputDir: out
admin:
  secret: shared-secret
targets:
  local:
    base: base.yaml
    overrides:
      database:
        driver: sqlite
        dsn: grader.db
      queue:
        driver: redis
  prod:
    base: base.yaml
    output: prod/grader_service.yaml
    overrides:
      queue:
        kafka:
          brokers: [k9:9092]
`
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	profilePath := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(profilePath, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	written, err := render(profilePath, "")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{
		filepath.Join(dir, "out", "local.yaml"),
		filepath.Join(dir, "out", "prod", "grader_service.yaml"),
	}
	if len(written) != len(want) || written[0] != want[0] || written[1] != want[1] {
		t.Fatalf("unexpected outputs: %v", written)
	}

	local := readRendered(t, want[0])
	db := local["database"].(map[string]interface{})
	if db["driver"] != "sqlite" || db["dsn"] != "grader.db" {
		t.Fatalf("expected database override, got %v", db)
	}
	queue := local["queue"].(map[string]interface{})
	if queue["driver"] != "redis" || queue["kafka"] == nil {
		t.Fatalf("expected queue merged, got %v", queue)
	}
	admin := local["admin"].(map[string]interface{})
	if admin["secret"] != "shared-secret" || admin["issuer"] != "base" {
		t.Fatalf("expected shared admin secret with base issuer, got %v", admin)
	}

	prod := readRendered(t, want[1])
	brokers := prod["queue"].(map[string]interface{})["kafka"].(map[string]interface{})["brokers"].([]interface{})
	if len(brokers) != 1 || brokers[0] != "k9:9092" {
		t.Fatalf("expected broker list replaced, got %v", brokers)
	}
}

func TestRenderRejectsTargetWithoutBase(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "profile.yaml")
	body := "outputDir: out\ntargets:\n  broken:\n    output: x.yaml\n"
	if err := os.WriteFile(profilePath, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := render(profilePath, ""); err == nil {
		t.Fatalf("expected missing base error")
	}
}

func readRendered(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return out
}
