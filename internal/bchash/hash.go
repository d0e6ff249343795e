// Package bchash defines a canonical 32-byte block and transaction hash
// type, built on btcsuite/btcd's chainhash (the same reverse-byte-order
// wire hash type real bitcoind JSON-RPC responses use). Components pass
// hashes as hex strings; the reconciler uses this package only for
// ZeroHash, its genesis-parent sentinel.
package bchash

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is a block or transaction hash, displayed/JSON-marshaled in the
// big-endian hex bitcoind's RPC surface uses (chainhash.Hash.String()
// already does the byte-reversal bitcoind expects).
type Hash = chainhash.Hash

// ZeroHash is the sentinel "no parent" hash used by the genesis block's
// Block.ParentHash (spec.md §3: Block's "parent hash references another
// Block or the sentinel zero hash").
var ZeroHash Hash

// FromHex parses a bitcoind-style big-endian hex hash string.
func FromHex(hex string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(hex)
	if err != nil {
		return Hash{}, err
	}
	return *h, nil
}

// MustFromHex is FromHex but panics on malformed input; only safe for
// constants and tests.
func MustFromHex(hex string) Hash {
	h, err := FromHex(hex)
	if err != nil {
		panic(err)
	}
	return h
}
