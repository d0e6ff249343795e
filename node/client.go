// Copyright 2018 The klaytn Authors
// Copyright 2016 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-ethereum library. If not, see <http://www.gnu.org/licenses/>.
//
// This file is derived from client/bridge_client.go (2018/06/04).
// Modified and improved for bitcoind JSON-RPC 1.0.

package node

import (
	"context"
	"strconv"
	"time"

	"github.com/forkscanner/forkscanner/rpc"
)

// Client is a single node's RPC surface: one method per spec.md §6 call.
// A Client has no notion of "mirror" itself -- a node's mirror endpoint is
// just a second Client, wired up by the caller (poller/rollback).
type Client struct {
	c *rpc.Client
}

// Dial opens a Client against a bitcoind-compatible JSON-RPC 1.0 endpoint.
func Dial(host string, port int, user, pass string, useSSL bool, timeout time.Duration) *Client {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	endpoint := scheme + "://" + host + ":" + strconv.Itoa(port)
	return &Client{c: rpc.Dial(endpoint, user, pass, timeout)}
}

// GetBestBlockHash is the cheap reachability probe C1 uses every tick.
func (c *Client) GetBestBlockHash(ctx context.Context) (string, error) {
	var result string
	err := c.c.CallContext(ctx, &result, "getbestblockhash")
	return result, err
}

// GetBlockchainInfo returns headers/blocks, used to detect IBD.
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var result BlockchainInfo
	err := c.c.CallContext(ctx, &result, "getblockchaininfo")
	return &result, err
}

// GetChainTips returns every tip this node currently knows about.
func (c *Client) GetChainTips(ctx context.Context) ([]ChainTip, error) {
	var result []ChainTip
	err := c.c.CallContext(ctx, &result, "getchaintips")
	return result, err
}

// GetPeerInfo returns this node's current peer list.
func (c *Client) GetPeerInfo(ctx context.Context) ([]PeerInfo, error) {
	var result []PeerInfo
	err := c.c.CallContext(ctx, &result, "getpeerinfo")
	return result, err
}

// GetBlockHeader fetches only the header for hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash string) (*BlockHeader, error) {
	var result BlockHeader
	err := c.c.CallContext(ctx, &result, "getblockheader", hash, true)
	return &result, err
}

// GetBlock fetches a block at verbosity 1 (header+txids) or 2
// (header+full transactions). The double-spend classifier always asks
// for verbosity=2. For verbosity=0 (raw hex), use GetBlockHex instead --
// bitcoind returns a bare string at that verbosity, not a JSON object.
func (c *Client) GetBlock(ctx context.Context, hash string, verbosity int) (*Block, error) {
	var result Block
	err := c.c.CallContext(ctx, &result, "getblock", hash, verbosity)
	return &result, err
}

// GetBlockHex fetches a block's raw serialized hex (verbosity=0), used by
// the rollback orchestrator to seed a mirror node via SubmitBlock.
func (c *Client) GetBlockHex(ctx context.Context, hash string) (string, error) {
	var result string
	err := c.c.CallContext(ctx, &result, "getblock", hash, 0)
	return result, err
}

// GetRawTransaction fetches a single transaction, verbose.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	var result RawTransaction
	err := c.c.CallContext(ctx, &result, "getrawtransaction", txid, true)
	return &result, err
}

// GetBlockFromPeer asks this node to fetch hash from a specific peer, used
// when a block is known-of but not yet in this node's store.
func (c *Client) GetBlockFromPeer(ctx context.Context, hash string, peerID int) error {
	return c.c.CallContext(ctx, nil, "getblockfrompeer", hash, peerID)
}

// SubmitBlock pushes a full block (hex-encoded) to this node, used to seed
// the mirror node with a branch before invalidating its way to it.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	return c.c.CallContext(ctx, nil, "submitblock", blockHex)
}

// SubmitHeader pushes only a header.
func (c *Client) SubmitHeader(ctx context.Context, headerHex string) error {
	return c.c.CallContext(ctx, nil, "submitheader", headerHex)
}

// InvalidateBlock marks hash (and its descendants) invalid on this node.
// Used exclusively against mirror endpoints.
func (c *Client) InvalidateBlock(ctx context.Context, hash string) error {
	return c.c.CallContext(ctx, nil, "invalidateblock", hash)
}

// ReconsiderBlock undoes a prior InvalidateBlock.
func (c *Client) ReconsiderBlock(ctx context.Context, hash string) error {
	return c.c.CallContext(ctx, nil, "reconsiderblock", hash)
}

// SetNetworkActive enables/disables this node's p2p networking. Every
// rollback attempt must call this with false on entry and true on every
// exit path (§4.5 step 5, invariant IV_h).
func (c *Client) SetNetworkActive(ctx context.Context, active bool) error {
	return c.c.CallContext(ctx, nil, "setnetworkactive", active)
}

// GetTxOutSetInfo is part of the §6 RPC surface but is only consumed by
// the out-of-core inflation job; retained here for completeness.
func (c *Client) GetTxOutSetInfo(ctx context.Context) (*TxOutSetInfo, error) {
	var result TxOutSetInfo
	err := c.c.CallContext(ctx, &result, "gettxoutsetinfo")
	return &result, err
}

// GetBlockTemplate is part of the §6 RPC surface but is only consumed by
// the out-of-core template job; retained here for completeness.
func (c *Client) GetBlockTemplate(ctx context.Context, rules []string) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := c.c.CallContext(ctx, &result, "getblocktemplate", map[string]interface{}{"rules": rules})
	return result, err
}
