package config

import (
	"encoding/json"
	"os"
	"strings"
)

// secretKeys are masked by `config list`.
var secretKeys = map[string]bool{
	"telegram.token": true,
}

// envKeys maps config keys to the environment variables Load lets override them.
var envKeys = map[string]string{
	"sheets.credentials_file": "FEDLINK_CREDENTIALS",
	"sheets.spreadsheet_id":   "FEDLINK_SPREADSHEET_ID",
	"telegram.token":          "FEDLINK_TELEGRAM_TOKEN",
	"telegram.chat_id":        "FEDLINK_TELEGRAM_CHAT_ID",
}

// IsSecretKey reports whether the value at key is a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// EnvOverride returns the name of the environment variable currently
// overriding key, if any.
func EnvOverride(key string) (string, bool) {
	name, ok := envKeys[key]
	if !ok || os.Getenv(name) == "" {
		return "", false
	}
	return name, true
}

// leaves returns every non-object value of m keyed by its dotted path,
// so {"serial": {"vid": "239A"}} yields {"serial.vid": "239A"}.
func leaves(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(path []string, v any)
	walk = func(path []string, v any) {
		obj, ok := v.(map[string]any)
		if !ok {
			out[strings.Join(path, ".")] = v
			return
		}
		for k, child := range obj {
			walk(append(path[:len(path):len(path)], k), child)
		}
	}
	for k, v := range m {
		walk([]string{k}, v)
	}
	return out
}

// setPath stores v at the dotted key, creating objects along the way and
// replacing any scalar that sits where an object is needed.
func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// parseValue reads a command-line value as JSON (numbers, booleans) and
// falls back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// mask keeps the last four characters of a secret.
func mask(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
