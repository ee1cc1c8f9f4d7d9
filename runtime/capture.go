package runtime

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/beevik/etree"
)

// Extract parses a raw operation result according to the declared dialect
// and evaluates each output rule against it, producing a flat map of named
// values. Cardinality is uniform across dialects: a pattern matching one
// value yields a scalar, more than one yields a list in source order, zero
// leaves the key absent. An empty rule list yields an empty map for every
// dialect.
//
// Failure behavior differs by dialect on purpose: unparsable xml is a hard
// MalformedResultError, while unparsable json degrades to a single "system"
// key carrying the parse error text, because downstream consumers expect
// some map back even from malformed upstream responses.
func Extract(dialect, raw string, rules []OutputRule, operation string) (map[string]any, error) {
	outputs := map[string]any{}
	if len(rules) == 0 {
		return outputs, nil
	}

	switch dialect {
	case DialectXML:
		return extractXML(raw, rules, operation)
	case DialectJSON:
		return extractJSON(raw, rules), nil
	case DialectBase64:
		for _, rule := range rules {
			name := rule.Name
			if name == "" {
				name = operation
			}
			outputs[name] = base64.URLEncoding.EncodeToString([]byte(raw))
		}
		return outputs, nil
	case DialectText, "":
		name := rules[0].Name
		if name == "" {
			name = operation
		}
		outputs[name] = raw
		return outputs, nil
	default:
		return nil, fmt.Errorf("unknown result dialect %q in operation %s", dialect, operation)
	}
}

func extractXML(raw string, rules []OutputRule, operation string) (map[string]any, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, &MalformedResultError{Operation: operation, Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &MalformedResultError{Operation: operation, Err: fmt.Errorf("document has no root element")}
	}

	outputs := map[string]any{}
	for _, rule := range rules {
		if rule.Name == "" || rule.CapturePattern == "" {
			continue
		}
		path, err := etree.CompilePath(rule.CapturePattern)
		if err != nil {
			return nil, &MalformedResultError{Operation: operation, Err: err}
		}
		elements := root.FindElementsPath(path)
		switch len(elements) {
		case 0:
			// key stays absent, not an error
		case 1:
			outputs[rule.Name] = elements[0].Text()
		default:
			values := make([]any, 0, len(elements))
			for _, el := range elements {
				values = append(values, el.Text())
			}
			outputs[rule.Name] = values
		}
	}
	return outputs, nil
}

func extractJSON(raw string, rules []OutputRule) map[string]any {
	outputs := map[string]any{}

	parsed, err := gabs.ParseJSON([]byte(raw))
	if err != nil {
		outputs["system"] = err.Error()
		return outputs
	}

	for _, rule := range rules {
		if rule.Name == "" {
			continue
		}
		matches := walkJSONPath(parsed, rule.CapturePattern)
		switch len(matches) {
		case 0:
			// key stays absent
		case 1:
			outputs[rule.Name] = matches[0].Data()
		default:
			values := make([]any, 0, len(matches))
			for _, m := range matches {
				values = append(values, m.Data())
			}
			outputs[rule.Name] = values
		}
	}
	return outputs
}

// walkJSONPath evaluates a dot-path against a parsed document. A "*"
// segment fans out over array elements in document order, and over object
// values in sorted key order so repeated runs stay deterministic. An empty
// pattern (or the legacy "$" root selector) matches the root value.
func walkJSONPath(root *gabs.Container, pattern string) []*gabs.Container {
	pattern = normalizeJSONPath(pattern)
	if pattern == "" {
		return []*gabs.Container{root}
	}

	frontier := []*gabs.Container{root}
	for _, segment := range strings.Split(pattern, ".") {
		next := make([]*gabs.Container, 0, len(frontier))
		for _, node := range frontier {
			next = append(next, expandSegment(node, segment)...)
		}
		if len(next) == 0 {
			return nil
		}
		frontier = next
	}
	return frontier
}

func expandSegment(node *gabs.Container, segment string) []*gabs.Container {
	if segment == "*" {
		if _, ok := node.Data().([]any); ok {
			return node.Children()
		}
		children := node.ChildrenMap()
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]*gabs.Container, 0, len(keys))
		for _, k := range keys {
			out = append(out, children[k])
		}
		return out
	}

	if idx, err := strconv.Atoi(segment); err == nil {
		if _, ok := node.Data().([]any); ok {
			children := node.Children()
			if idx >= 0 && idx < len(children) {
				return []*gabs.Container{children[idx]}
			}
			return nil
		}
	}

	if child := node.Search(segment); child != nil {
		return []*gabs.Container{child}
	}
	return nil
}

// normalizeJSONPath accepts the jsonpath-flavored patterns found in older
// definitions ($.a.b[*].'@name') and reduces them to plain dot-paths.
func normalizeJSONPath(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	pattern = strings.ReplaceAll(pattern, "[*]", ".*")
	pattern = strings.TrimPrefix(pattern, "$")
	pattern = strings.Trim(pattern, ".")
	if pattern == "" {
		return ""
	}
	segments := strings.Split(pattern, ".")
	for i, s := range segments {
		segments[i] = strings.Trim(s, "'\"")
	}
	return strings.Join(segments, ".")
}
