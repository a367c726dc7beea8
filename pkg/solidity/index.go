package solidity

import (
	"fmt"
	"unicode/utf8"
)

// Position is a zero-based line/character location. Character counts
// runes from the start of the line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a source range with both byte offsets and line positions.
type Range struct {
	StartByte int      `json:"start_byte"`
	EndByte   int      `json:"end_byte"`
	Start     Position `json:"start"`
	End       Position `json:"end"`
}

// String formats the range as "line:col-line:col" using one-based numbers.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d-%d:%d",
		r.Start.Line+1, r.Start.Character+1,
		r.End.Line+1, r.End.Character+1)
}

// Index maps declared symbol names to where they are declared.
type Index map[string]Range

// Lookup returns the range for a symbol.
func (idx Index) Lookup(name string) (Range, bool) {
	r, ok := idx[name]

	return r, ok
}

// BuildIndex walks the syntax tree and records every named definition or
// declaration. When a name is declared more than once the first node in
// pre-order traversal wins; siblings are visited in source order.
func BuildIndex(source []byte, tree *Node) Index {
	idx := make(Index, 64)

	Walk(tree, func(n *Node) bool {
		if n.Name == "" || n.Span == nil || !n.IsDeclaration() {
			return true
		}

		if _, exists := idx[n.Name]; exists {
			return true
		}

		idx[n.Name] = ByteRangeToRange(source, n.Span.Offset, n.Span.End())

		return true
	})

	return idx
}

// ByteRangeToRange converts [start, end) byte offsets into a Range.
// Offsets are clamped into the source.
func ByteRangeToRange(source []byte, start, end int) Range {
	start = clamp(start, 0, len(source))
	end = clamp(end, start, len(source))

	return Range{
		StartByte: start,
		EndByte:   end,
		Start:     positionAt(source, start),
		End:       positionAt(source, end),
	}
}

// positionAt returns the line/character position of a byte offset.
func positionAt(source []byte, offset int) Position {
	var pos Position

	lineStart := 0

	for i := 0; i < offset; i++ {
		if source[i] == '\n' {
			pos.Line++
			lineStart = i + 1
		}
	}

	pos.Character = utf8.RuneCount(source[lineStart:offset])

	return pos
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
