package mcpclient

import (
	"regexp"
	"strconv"
	"strings"

	"chatgateway/internal/config"
)

// placeholderPattern matches ${{path.to.value}} placeholders.
var placeholderPattern = regexp.MustCompile(`\$\{\{([^}]+)\}\}`)

// getNestedValue resolves a dot-separated path against task-data, walking
// both map keys and list indices at each segment.
func getNestedValue(data map[string]any, path string) (any, bool) {
	if len(data) == 0 || path == "" {
		return nil, false
	}
	var current any = data
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// replacePlaceholdersInString substitutes every ${{path}} occurrence in text
// using taskData; unresolved paths are preserved literally.
func replacePlaceholdersInString(text string, taskData map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		path := strings.TrimSpace(sub[1])
		val, ok := getNestedValue(taskData, path)
		if !ok || val == nil {
			return match
		}
		return toStringValue(val)
	})
}

func toStringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func substituteStrings(v string, taskData map[string]any) string {
	return replacePlaceholdersInString(v, taskData)
}

func substituteStringSlice(v []string, taskData map[string]any) []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = substituteStrings(s, taskData)
	}
	return out
}

func substituteStringMap(v map[string]string, taskData map[string]any) map[string]string {
	if v == nil {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, s := range v {
		out[k] = substituteStrings(s, taskData)
	}
	return out
}

// SubstituteServerConfig recursively replaces ${{path}} placeholders across
// every string field of srv (command, args, env, URL, headers, ...) using
// taskData as the lookup dictionary. Unknown paths are left as literals so
// misconfiguration stays loud downstream rather than silently empty.
func SubstituteServerConfig(srv config.MCPServerConfig, taskData map[string]any) config.MCPServerConfig {
	if len(taskData) == 0 {
		return srv
	}
	out := srv
	out.Command = substituteStrings(srv.Command, taskData)
	out.Args = substituteStringSlice(srv.Args, taskData)
	out.Env = substituteStringMap(srv.Env, taskData)
	out.URL = substituteStrings(srv.URL, taskData)
	out.Headers = substituteStringMap(srv.Headers, taskData)
	out.BearerToken = substituteStrings(srv.BearerToken, taskData)
	out.Origin = substituteStrings(srv.Origin, taskData)
	out.ProtocolVersion = substituteStrings(srv.ProtocolVersion, taskData)
	out.HTTP.ProxyURL = substituteStrings(srv.HTTP.ProxyURL, taskData)
	return out
}
