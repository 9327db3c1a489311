// Package keys owns the cache key codec. Every cacheable artifact produced by
// a processing engine is addressed by the tuple
// (engine, operation, fileID, parameter fingerprint) rendered as
// "cache:<engine>:<operation>:<fileID>:<fingerprint>". Selectors translate
// administrative intent back onto that key space.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Prefix is the namespace shared by all processing-result keys.
const Prefix = "cache:"

// Engine identifies a processing domain whose outputs are cached.
type Engine string

const (
	EnginePDF   Engine = "pdf"
	EngineImage Engine = "image"
	EngineVideo Engine = "video"
)

// Engines lists every known processing engine.
func Engines() []Engine {
	return []Engine{EnginePDF, EngineImage, EngineVideo}
}

// ParseEngine validates an engine name received over the wire.
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case EnginePDF:
		return EnginePDF, nil
	case EngineImage:
		return EngineImage, nil
	case EngineVideo:
		return EngineVideo, nil
	default:
		return "", fmt.Errorf("keys: unknown engine %q", s)
	}
}

// Key addresses one cached processing artifact.
type Key struct {
	Engine      Engine
	Operation   string
	FileID      string
	Fingerprint string
}

// String renders the key in its wire form.
func (k Key) String() string {
	return Prefix + string(k.Engine) + ":" + k.Operation + ":" + k.FileID + ":" + k.Fingerprint
}

// Processing builds the key for one engine operation against a file with the
// given parameters.
func Processing(engine Engine, operation, fileID string, params map[string]any) Key {
	return Key{
		Engine:      engine,
		Operation:   operation,
		FileID:      fileID,
		Fingerprint: Fingerprint(params),
	}
}

// Parse reads a wire-form key back into its components. Keys outside the
// cache namespace or with a foreign shape are rejected.
func Parse(raw string) (Key, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return Key{}, fmt.Errorf("keys: %q outside cache namespace", raw)
	}
	parts := strings.Split(strings.TrimPrefix(raw, Prefix), ":")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("keys: %q has %d segments, want 4", raw, len(parts))
	}
	engine, err := ParseEngine(parts[0])
	if err != nil {
		return Key{}, err
	}
	return Key{Engine: engine, Operation: parts[1], FileID: parts[2], Fingerprint: parts[3]}, nil
}

// Fingerprint derives a stable short hash from request parameters. Parameters
// are serialized with sorted keys so logically equal requests collapse onto
// the same cache entry.
func Fingerprint(params map[string]any) string {
	if len(params) == 0 {
		return "none"
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value, err := json.Marshal(params[name])
		if err != nil {
			value = []byte(fmt.Sprintf("%v", params[name]))
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.Write(value)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}
