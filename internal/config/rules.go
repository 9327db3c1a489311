package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RuleSpec is the wire form of one invalidation rule as operators author it
// in the rules document. The invalidation manager owns the runtime
// representation; this type stays a dumb record so the watcher can reload it
// without touching manager internals.
type RuleSpec struct {
	ID        string            `koanf:"id"`
	Name      string            `koanf:"name"`
	Strategy  string            `koanf:"strategy"`
	Pattern   string            `koanf:"pattern"`
	Condition string            `koanf:"condition"`
	Schedule  *RuleScheduleSpec `koanf:"schedule"`
	Enabled   bool              `koanf:"enabled"`
}

// RuleScheduleSpec configures a scheduled rule's recurrence in the document.
type RuleScheduleSpec struct {
	IntervalSeconds int `koanf:"intervalSeconds"`
	MaxBatchSize    int `koanf:"maxBatchSize"`
}

// Interval returns the recurrence period as a duration.
func (s RuleScheduleSpec) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// LoadRules reads the invalidation rules document. The format follows the
// file extension (yaml, json, or toml). A missing `rules` key yields an
// empty slice rather than an error so an empty document is valid.
func LoadRules(path string) ([]RuleSpec, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load rules %s: %w", path, err)
	}
	var doc struct {
		Rules []RuleSpec `koanf:"rules"`
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules format %q", ext)
	}
}
