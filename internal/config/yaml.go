package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON hands back config bytes in JSON form. YAML files are decoded and
// re-encoded so one strict json.Decoder covers both formats; anything without
// a yaml extension is assumed to already be JSON.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites nested map keys to strings; json.Marshal rejects the
// map[any]any values the yaml decoder can produce.
func stringifyKeys(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringifyKeys(val)
		}
		return v
	case []any:
		for i := range v {
			v[i] = stringifyKeys(v[i])
		}
		return v
	}
	return in
}
