package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides read by the agentgraph command.
const EnvPrefix = "AGENTGRAPH_"

var decoders = map[string]func([]byte) (Config, error){
	".yaml": FromYAML,
	".yml":  FromYAML,
	".json": FromJSON,
}

// FromFile loads a settings file, choosing the format by extension
// (.yaml, .yml or .json).
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return decode(data)
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// FromEnv collects environ entries ("KEY=value") that start with prefix.
// The rest of the name is lowercased and a double underscore separates
// sections, so AGENTGRAPH_ENGINE__NODE_TIMEOUT=45s sets engine.node_timeout.
// Values decode as YAML scalars: "5" is an int and "true" a bool.
func FromEnv(prefix string, environ []string) Config {
	root := make(map[string]any)
	for _, kv := range environ {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(name[len(prefix):]), "__")
		cur := root
		for _, part := range path[:len(path)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[part] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = scalar(raw)
	}
	return New(root)
}

func scalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case string, int, float64, bool:
		return v
	}
	return raw
}

// Merge returns a new Config holding c's values overlaid with over's.
// Sections merge key by key; any other value in over replaces c's.
func (c Config) Merge(over Config) Config {
	return New(merge(c.data, over.data))
}

func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if om, ok := asMap(v); ok {
			if bm, ok := asMap(out[k]); ok {
				out[k] = merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
