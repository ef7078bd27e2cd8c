package connectors

import (
	"encoding/json"
	"sort"
	"strings"
)

// text reads a JSON value that may be a string, a number, a list of strings
// or a language-keyed map of either. Multilingual maps prefer the languages
// in order, then the lexically first key.
func text(raw json.RawMessage, langs ...string) string {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if v := text(item, langs...); v != "" {
				return v
			}
		}
		return ""
	}
	var byLang map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byLang); err != nil {
		return ""
	}
	for _, lang := range langs {
		for k, v := range byLang {
			if strings.EqualFold(k, lang) {
				if s := text(v); s != "" {
					return s
				}
			}
		}
	}
	keys := make([]string, 0, len(byLang))
	for k := range byLang {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := text(byLang[k]); s != "" {
			return s
		}
	}
	return ""
}

// texts flattens a string or list of strings.
func texts(raw json.RawMessage) []string {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		if v := text(raw); v != "" {
			return []string{v}
		}
		return nil
	}
	var out []string
	for _, item := range list {
		if v := text(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// setIf stores v under key when it is not blank.
func setIf(fields map[string]string, key, v string) {
	if v = strings.TrimSpace(v); v != "" {
		fields[key] = v
	}
}
