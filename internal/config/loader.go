package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sort"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml"
)

// Load reads the TOML file at path over the built-in defaults and validates
// the result. Any error here is fatal to the process.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultMap(), "."), nil); err != nil {
		return cfg, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// The rules table is decoded separately (below) because its keys are
	// glob patterns that collide with koanf's path delimiter.
	k.Delete("cache.rules")

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationHook, sizeHook),
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	tree, err := gotoml.LoadBytes(data)
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if tree.HasPath([]string{"cache", "tags"}) {
		return cfg, fmt.Errorf("config: cache.tags is not supported; tag-based invalidation is unimplemented")
	}

	rules, err := loadRules(tree, data)
	if err != nil {
		return cfg, err
	}
	cfg.Cache.Rules = rules

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadRules extracts [cache.rules] in file order, which koanf's flattened map
// loses. go-toml records no position for inline-table values, so each
// pattern's order is where its quoted key first appears in the file text.
func loadRules(tree *gotoml.Tree, data []byte) ([]Rule, error) {
	raw := tree.GetPath([]string{"cache", "rules"})
	if raw == nil {
		return nil, nil
	}
	rulesTree, ok := raw.(*gotoml.Tree)
	if !ok {
		return nil, fmt.Errorf("config: cache.rules must be a table")
	}

	offset := func(pattern string) int {
		for _, quoted := range []string{`"` + pattern + `"`, "'" + pattern + "'"} {
			if i := bytes.Index(data, []byte(quoted)); i >= 0 {
				return i
			}
		}
		return len(data)
	}
	patterns := rulesTree.Keys()
	sort.SliceStable(patterns, func(i, j int) bool {
		return offset(patterns[i]) < offset(patterns[j])
	})

	rules := make([]Rule, 0, len(patterns))
	for _, pattern := range patterns {
		entry, ok := rulesTree.GetPath([]string{pattern}).(*gotoml.Tree)
		if !ok {
			return nil, fmt.Errorf("config: rule %q must be a table", pattern)
		}
		rule := Rule{Pattern: pattern}
		for _, field := range entry.Keys() {
			value := entry.GetPath([]string{field})
			switch field {
			case "ttl", "stale", "stale_while_revalidate", "stale_if_error":
				str, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("config: rule %q: %s must be a duration string", pattern, field)
				}
				d, err := ParseDuration(str)
				if err != nil {
					return nil, fmt.Errorf("config: rule %q: %s: %w", pattern, field, err)
				}
				switch field {
				case "ttl":
					rule.TTL = &d
				case "stale":
					rule.Stale = &d
				case "stale_while_revalidate":
					rule.StaleWhileRevalidate = &d
				case "stale_if_error":
					rule.StaleIfError = &d
				}
			case "bypass":
				b, ok := value.(bool)
				if !ok {
					return nil, fmt.Errorf("config: rule %q: bypass must be a boolean", pattern)
				}
				rule.Bypass = b
			default:
				return nil, fmt.Errorf("config: rule %q: unknown key %q", pattern, field)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func defaultMap() map[string]any {
	return map[string]any{
		"server.host":                  "0.0.0.0",
		"server.port":                  8080,
		"server.workers":               runtime.NumCPU(),
		"upstream.timeout":             "30s",
		"upstream.connect_timeout":     "5s",
		"upstream.read_timeout":        "10s",
		"upstream.max_connections":     100,
		"upstream.keepalive":           true,
		"cache.default_ttl":            "5m",
		"cache.stale_while_revalidate": "1h",
		"cache.stale_if_error":         "24h",
		"cache.max_object_size":        "10MB",
		"cache.query_params.sort":      false,
		"storage.max_size":             "1GB",
		"storage.timeout":              "1s",
		"storage.grace":                "60s",
		"metrics.enabled":              true,
		"metrics.path":                 "/metrics",
		"logging.enabled":              true,
		"logging.format":               "json",
		"logging.level":                "info",
	}
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	sizeType     = reflect.TypeOf(Size(0))
)

func durationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from.Kind() != reflect.String {
		return data, nil
	}
	return ParseDuration(data.(string))
}

func sizeHook(from, to reflect.Type, data any) (any, error) {
	if to != sizeType || from.Kind() != reflect.String {
		return data, nil
	}
	n, err := ParseSize(data.(string))
	return Size(n), err
}
