package solidity

import "regexp"

var contractPattern = regexp.MustCompile(`(abstract\s+)?contract\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// Contract is a contract declaration found by a textual scan.
type Contract struct {
	Name     string `json:"name"`
	Abstract bool   `json:"abstract,omitempty"`
	Range    Range  `json:"range"`
}

// FindContracts scans source for "contract <Name>" declarations outside
// comments and string literals. It does not need a compiling file, which
// keeps code lenses available while the user is typing. Range covers the
// contract name.
func FindContracts(source []byte) []Contract {
	code := maskNonCode(source)
	matches := contractPattern.FindAllSubmatchIndex(code, -1)

	contracts := make([]Contract, 0, len(matches))

	for _, m := range matches {
		start, end := m[4], m[5]

		// Skip identifiers that merely end in "contract", e.g. "abstractcontract".
		if m[0] > 0 && isIdentByte(code[m[0]-1]) {
			continue
		}

		contracts = append(contracts, Contract{
			Name:     string(source[start:end]),
			Abstract: m[2] >= 0,
			Range:    ByteRangeToRange(source, start, end),
		})
	}

	return contracts
}

// FirstConcrete returns the first contract that is not abstract.
func FirstConcrete(contracts []Contract) (Contract, bool) {
	for _, c := range contracts {
		if !c.Abstract {
			return c, true
		}
	}

	return Contract{}, false
}

// maskNonCode returns a copy of source with comments and string literals
// blanked out. Offsets and newlines are preserved.
func maskNonCode(source []byte) []byte {
	out := make([]byte, len(source))
	copy(out, source)

	blank := func(from, to int) {
		for i := from; i < to; i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}

	for i := 0; i < len(source); {
		switch {
		case source[i] == '/' && i+1 < len(source) && source[i+1] == '/':
			end := i
			for end < len(source) && source[end] != '\n' {
				end++
			}

			blank(i, end)
			i = end
		case source[i] == '/' && i+1 < len(source) && source[i+1] == '*':
			end := i + 2
			for end < len(source) && !(source[end] == '*' && end+1 < len(source) && source[end+1] == '/') {
				end++
			}

			end = min(end+2, len(source))
			blank(i, end)
			i = end
		case source[i] == '"' || source[i] == '\'':
			quote := source[i]
			end := i + 1

			for end < len(source) && source[end] != quote && source[end] != '\n' {
				if source[end] == '\\' {
					end++
				}

				end++
			}

			end = min(end+1, len(source))
			blank(i, end)
			i = end
		default:
			i++
		}
	}

	return out
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
