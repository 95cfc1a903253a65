package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SaveConfig writes cfg to path in the format its extension names (TOML
// when unknown). The write goes through a temp file and a rename so a
// watching Loader never reads half a file.
func SaveConfig(cfg *Config, path string) error {
	data, err := encode(cfg, path)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func encode(cfg *Config, path string) ([]byte, error) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# coseditor configuration\n\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// Set loads the file at path (defaults when missing), applies each
// dotted-key update, validates and persists the result. Environment
// overrides are not written back.
func Set(path string, updates map[string]string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cfg.SetValue(k, updates[k]); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := SaveConfig(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetValue assigns value to a dotted key such as "remote.api_url". The
// value is parsed according to the field's current type.
func (c *Config) SetValue(key, value string) error {
	tree, err := c.tree()
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	node := tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config key %q", key)
		}
		node = next
	}
	leaf := parts[len(parts)-1]
	current, ok := node[leaf]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if _, isSection := current.(map[string]any); isSection {
		return fmt.Errorf("%q is a section, not a value", key)
	}

	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected a boolean, got %q", key, value)
		}
		node[leaf] = b
	case float64:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", key, value)
		}
		node[leaf] = n
	default:
		node[leaf] = value
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Unmarshal(data, c)
}

// GetValue returns the value at a dotted key, formatted for display.
func (c *Config) GetValue(key string) (string, error) {
	tree, err := c.tree()
	if err != nil {
		return "", err
	}
	var node any = tree
	for _, p := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
		if node, ok = m[p]; !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
	}
	if _, isSection := node.(map[string]any); isSection {
		return "", fmt.Errorf("%q is a section, not a value", key)
	}
	return fmt.Sprint(node), nil
}

// Keys lists every settable dotted key in sorted order.
func (c *Config) Keys() []string {
	tree, err := c.tree()
	if err != nil {
		return nil
	}
	var keys []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			keys = append(keys, prefix+k)
		}
	}
	walk("", tree)
	sort.Strings(keys)
	return keys
}

func (c *Config) tree() (map[string]any, error) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// CheckFile validates the document at path against the schema, in its
// own format, without applying defaults. It reports unknown keys and
// type mismatches that Load would otherwise ignore.
func CheckFile(path string) (ValidationErrors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		doc = data
	case ".yaml", ".yml":
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
		if doc, err = toJSONDocument(tree); err != nil {
			return nil, err
		}
	default:
		var tree map[string]any
		if _, err := toml.Decode(string(data), &tree); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if doc, err = toJSONDocument(tree); err != nil {
			return nil, err
		}
	}
	return ValidateDocument(doc), nil
}
