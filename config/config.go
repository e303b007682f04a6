package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Properties is a flat key/value view of the server configuration.
// Nested YAML maps flatten into dotted keys, so
//
//	chunkServer:
//	  rsReader:
//	    maxRetryCount: 5
//
// is read back as "chunkServer.rsReader.maxRetryCount".
type Properties map[string]string

// LoadFile reads a YAML configuration file into Properties.
func LoadFile(path string) (Properties, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse flattens YAML bytes into Properties.
func Parse(raw []byte) (Properties, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	props := Properties{}
	flatten("", tree, props)
	return props, nil
}

func flatten(prefix string, tree map[string]any, out Properties) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprintf("%v", val)
		}
	}
}

func (p Properties) GetString(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Properties) GetInt(key string, def int) int {
	if v, ok := p[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (p Properties) GetInt64(key string, def int64) int64 {
	if v, ok := p[key]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// GetBool follows the original properties convention: any value that
// parses as a non-zero integer is true, "true"/"false" also work.
func (p Properties) GetBool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	s := strings.TrimSpace(v)
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return def
}

// CopyWithPrefix returns the subset of keys under prefix and reports
// how many entries were copied.
func (p Properties) CopyWithPrefix(prefix string, out Properties) int {
	n := 0
	for k, v := range p {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
			n++
		}
	}
	return n
}
