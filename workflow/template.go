package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templateRef matches {{node.<key>[.<path>]}} and {{var.<name>}}; whitespace
// inside the braces is ignored.
var templateRef = regexp.MustCompile(`\{\{\s*(node|var)\.([^{}\s]+)\s*\}\}`)

// ResolveTemplate substitutes every reference in tmpl. Node keys may be ids
// or names; when a key itself contains dots the longest matching key wins and
// the remainder is a path into the output. The first unresolvable reference
// aborts with *UnresolvedReferenceError.
func (ec *ExecutionContext) ResolveTemplate(tmpl string) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var firstErr error
	out := templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := templateRef.FindStringSubmatch(match)
		scope, ref := sub[1], sub[2]

		var (
			s   string
			err error
		)
		if scope == "var" {
			v, ok := ec.Variable(ref)
			if !ok {
				err = &UnresolvedReferenceError{Key: "var." + ref}
			}
			s = v
		} else {
			s, err = ec.resolveNodeRef(ref)
		}
		if err != nil {
			firstErr = err
			return match
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (ec *ExecutionContext) resolveNodeRef(ref string) (string, error) {
	segments := strings.Split(ref, ".")
	for i := len(segments); i > 0; i-- {
		key := strings.Join(segments[:i], ".")
		value, ok := ec.outputs.Load(key)
		if !ok {
			continue
		}
		leaf, err := lookupPath(value, segments[i:])
		if err != nil {
			return "", &UnresolvedReferenceError{Key: "node." + ref}
		}
		return serializeValue(leaf)
	}
	return "", &UnresolvedReferenceError{Key: "node." + ref}
}

// lookupPath walks map keys and slice indexes. Structs and typed maps are
// first normalized through their JSON form.
func lookupPath(value any, path []string) (any, error) {
	cur := value
	for i := 0; i < len(path); i++ {
		seg := path[i]
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("key %q not found", seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %q out of range", seg)
			}
			cur = v[idx]
		case nil:
			return nil, fmt.Errorf("cannot index null with %q", seg)
		default:
			generic, err := toGeneric(v)
			if err != nil {
				return nil, err
			}
			switch generic.(type) {
			case map[string]any, []any:
			default:
				return nil, fmt.Errorf("cannot index %T with %q", v, seg)
			}
			// retry the same segment on the normalized value
			cur = generic
			i--
		}
	}
	return cur, nil
}

func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// serializeValue renders a value as template text: strings verbatim, numbers
// in shortest form, nil as null, composites as compact JSON.
func serializeValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case json.Number:
		return t.String(), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("serialize %T: %w", v, err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
