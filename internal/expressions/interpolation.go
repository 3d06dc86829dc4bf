package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

// ResolveParameters evaluates ${...} templates in params against scope.
//
// A string that is exactly one template takes the referenced value with its
// native type; templates embedded in longer strings are stringified. A missing
// path resolves to nil. "$${" escapes a literal "${". The result never shares
// maps or slices with the scope.
func ResolveParameters(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	doc := scope.Document()
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(v, doc)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// Lookup returns the value at a dotted path such as "workflow.input.id" or
// "task_a.output.items[0]".
func Lookup(scope *Scope, path string) (any, error) {
	v, err := lookupPath(scope.Document(), path)
	if err != nil {
		return nil, err
	}
	return deepCopyAny(v), nil
}

func resolveValue(v any, doc map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, doc)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, doc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, doc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return deepCopyAny(v), nil
	}
}

func resolveString(s string, doc map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if strings.HasPrefix(s, "${") && strings.Index(s, "}") == len(s)-1 && !strings.HasPrefix(s, "$${") {
		v, err := lookupPath(doc, s[2:len(s)-1])
		if err != nil {
			return nil, err
		}
		return deepCopyAny(v), nil
	}

	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "${")
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		if idx > 0 && rest[idx-1] == '$' {
			b.WriteString(rest[:idx-1])
			b.WriteString("${")
			rest = rest[idx+2:]
			continue
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], "}")
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unterminated template in %q", s)
		}
		path := rest[idx+2 : idx+end]
		v, err := lookupPath(doc, path)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		rest = rest[idx+end+1:]
	}
	return b.String(), nil
}

func lookupPath(doc map[string]any, path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty template path")
	}
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var current any = doc
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			current = v[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, nil
			}
			current = v[i]
		default:
			return nil, nil
		}
		if current == nil {
			return nil, nil
		}
	}
	return current, nil
}

// splitPath turns "a.b[0].c" into ["a", "b", "0", "c"].
func splitPath(path string) ([]string, error) {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				segments = append(segments, part)
				break
			}
			if open > 0 {
				segments = append(segments, part[:open])
			}
			closing := strings.IndexByte(part, ']')
			if closing < open {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed index in path %q", path)
			}
			segments = append(segments, part[open+1:closing])
			part = part[closing+1:]
		}
		if part == "" && len(segments) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty segment in path %q", path)
		}
	}
	return segments, nil
}

// stringify converts a resolved value into its inline form inside a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
