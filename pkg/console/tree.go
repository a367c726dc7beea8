package console

import (
	"fmt"
	"io"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
)

// RenderTree prints a test tree with the source range of every leaf.
func RenderTree(w io.Writer, root *testtree.Node) {
	fmt.Fprintln(w, titleColor.Sprint(root.Label))

	levels := root.Children()
	for i, level := range levels {
		branch, stem := "├── ", "│   "
		if i == len(levels)-1 {
			branch, stem = "└── ", "    "
		}

		tier := ""
		if ercx.IsFreeLevel(level.ID) {
			tier = mutedColor.Sprint(" (free)")
		}

		fmt.Fprintf(w, "%s%s%s %s\n",
			branch, level.Label, tier, mutedColor.Sprintf("[%d]", len(level.Children())))

		leaves := level.Children()
		for j, leaf := range leaves {
			twig := "├── "
			if j == len(leaves)-1 {
				twig = "└── "
			}

			fmt.Fprintf(w, "%s%s%s %s\n", stem, twig, leaf.Label, mutedColor.Sprint(leaf.Range.String()))
		}
	}
}

// RenderContracts prints contract declarations found in a file.
func RenderContracts(w io.Writer, path string, contracts []solidity.Contract) {
	for _, c := range contracts {
		suffix := ""
		if c.Abstract {
			suffix = " (abstract)"
		}

		fmt.Fprintf(w, "%s:%d:%d %s%s\n",
			path, c.Range.Start.Line+1, c.Range.Start.Character+1, titleColor.Sprint(c.Name), suffix)
	}
}
