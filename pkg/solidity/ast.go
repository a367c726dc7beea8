package solidity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Span is a byte range in the source text.
type Span struct {
	Offset int
	Length int
}

// End returns the exclusive end offset.
func (s Span) End() int {
	return s.Offset + s.Length
}

// Node is a syntax tree node. Span is nil when the compiler did not attach
// a usable source location. Children never contains nil entries.
type Node struct {
	Kind     string
	Name     string
	Span     *Span
	Children []*Node
}

// IsDeclaration reports whether the node declares a named symbol.
func (n *Node) IsDeclaration() bool {
	return strings.HasSuffix(n.Kind, "Definition") ||
		strings.HasSuffix(n.Kind, "Declaration")
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the node's children.
func Walk(n *Node, fn func(*Node) bool) {
	if n == nil {
		return
	}

	if !fn(n) {
		return
	}

	for _, child := range n.Children {
		Walk(child, fn)
	}
}

// nodeHeader holds the fields of a solc AST object we care about.
type nodeHeader struct {
	NodeType string `mapstructure:"nodeType"`
	Name     string `mapstructure:"name"`
	Src      string `mapstructure:"src"`
}

// DecodeAST converts a solc compact JSON AST into a Node tree.
func DecodeAST(data []byte) (*Node, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing ast json: %w", err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ast root is %T, expected object", raw)
	}

	root, err := decodeObject(obj)
	if err != nil {
		return nil, err
	}

	if root == nil {
		return nil, fmt.Errorf("ast root has no nodeType")
	}

	return root, nil
}

// decodeObject returns a node for objects carrying a nodeType, or nil for
// plain objects.
func decodeObject(obj map[string]any) (*Node, error) {
	if _, ok := obj["nodeType"]; !ok {
		return nil, nil
	}

	var header nodeHeader

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &header,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(obj); err != nil {
		return nil, fmt.Errorf("decoding ast node: %w", err)
	}

	node := &Node{
		Kind: header.NodeType,
		Name: header.Name,
		Span: parseSrc(header.Src),
	}

	for _, key := range sortedKeys(obj) {
		children, err := collectNodes(obj[key])
		if err != nil {
			return nil, fmt.Errorf("decoding %s.%s: %w", header.NodeType, key, err)
		}

		node.Children = append(node.Children, children...)
	}

	sortBySource(node.Children)

	return node, nil
}

// collectNodes returns the nearest typed nodes below v, walking through
// arrays and untyped objects.
func collectNodes(v any) ([]*Node, error) {
	switch val := v.(type) {
	case map[string]any:
		node, err := decodeObject(val)
		if err != nil {
			return nil, err
		}

		if node != nil {
			return []*Node{node}, nil
		}

		var out []*Node

		for _, key := range sortedKeys(val) {
			nested, err := collectNodes(val[key])
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)
		}

		return out, nil
	case []any:
		var out []*Node

		for _, item := range val {
			nested, err := collectNodes(item)
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)
		}

		return out, nil
	default:
		return nil, nil
	}
}

// parseSrc parses solc's "offset:length:fileIndex" location.
func parseSrc(src string) *Span {
	parts := strings.Split(src, ":")
	if len(parts) < 2 {
		return nil
	}

	offset, err := strconv.Atoi(parts[0])
	if err != nil || offset < 0 {
		return nil
	}

	length, err := strconv.Atoi(parts[1])
	if err != nil || length < 0 {
		return nil
	}

	return &Span{Offset: offset, Length: length}
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// sortBySource orders siblings by source offset. JSON object key order is
// lost on decode, so this is what makes traversal follow the file.
// Nodes without a span keep their relative order after the located ones.
func sortBySource(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Span, nodes[j].Span
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Offset < b.Offset
		}
	})
}
