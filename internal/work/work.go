// Package work compares bitcoind's big-integer hex "chainwork" strings,
// the same accumulated-work figure getblockheader/getblock report, used
// wherever the reconciler or stale analyser need to pick a canonical
// branch (spec.md §4.2 global active tip, §4.3 canonical descendant).
package work

import "math/big"

// Compare returns -1, 0, 1 as work a is less than, equal to, or greater
// than work b. Malformed/empty hex parses as zero so a node that hasn't
// reported chainwork yet never wins a tie-break it shouldn't.
func Compare(a, b string) int {
	return toBig(a).Cmp(toBig(b))
}

// Less reports whether a < b.
func Less(a, b string) bool { return Compare(a, b) < 0 }

// Greater reports whether a > b.
func Greater(a, b string) bool { return Compare(a, b) > 0 }

func toBig(hex string) *big.Int {
	n := new(big.Int)
	if hex == "" {
		return n
	}
	if _, ok := n.SetString(hex, 16); !ok {
		return new(big.Int)
	}
	return n
}
