package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	contents := `
rules:
  - id: stale-video
    name: Stale video cleanup
    strategy: scheduled
    pattern: "video:*"
    condition: "ageSeconds > 1800.0"
    schedule:
      intervalSeconds: 300
      maxBatchSize: 100
    enabled: true
  - id: manual-pdf
    name: Manual pdf purge
    strategy: immediate
    pattern: "pdf:*"
    enabled: false
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	first := rules[0]
	if first.ID != "stale-video" || first.Strategy != "scheduled" {
		t.Fatalf("unexpected first rule: %+v", first)
	}
	if first.Schedule == nil {
		t.Fatal("schedule missing")
	}
	if first.Schedule.Interval() != 5*time.Minute {
		t.Fatalf("interval = %v", first.Schedule.Interval())
	}
	if rules[1].Schedule != nil {
		t.Fatal("immediate rule should have no schedule")
	}
}

func TestLoadRulesJSONDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	contents := `{"rules":[{"id":"img-purge","name":"Image purge","strategy":"immediate","pattern":"image:*","enabled":true}]}`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "img-purge" || !rules[0].Enabled {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestLoadRulesUnsupportedFormat(t *testing.T) {
	if _, err := LoadRules("rules.ini"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoadRulesEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(rules))
	}
}
