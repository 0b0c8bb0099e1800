package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Node is one key with its values from a plugin block, in file order.
// Scalars become a single value; sequences become one value per item.
type Node struct {
	Key    string
	Values []string
}

// DecodeNodes turns a raw plugin block (a JSON object) into ordered Nodes.
//
// Values are stringified the way collectd hands them to plugins: strings as
// is, numbers in their literal form, booleans as "true"/"false". Nested
// objects and nulls are rejected.
func DecodeNodes(raw json.RawMessage) ([]Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("plugin block must be an object, got %v", tok)
	}

	var nodes []Node
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}

		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		vals, err := nodeValues(key, v)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Key: key, Values: vals})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid plugin block: trailing data")
	}
	return nodes, nil
}

func nodeValues(key string, v any) ([]string, error) {
	if items, ok := v.([]any); ok {
		out := make([]string, 0, len(items))
		for i, it := range items {
			s, err := scalarString(it)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := scalarString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return []string{s}, nil
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", fmt.Errorf("null value")
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}
