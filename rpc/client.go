// Copyright 2017 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.
//
// This file is derived from networks/rpc (2020/06/04).
// Modified for JSON-RPC 1.0 Bitcoin Core daemons.

// Package rpc implements a minimal JSON-RPC 1.0 HTTP client suitable for
// talking to bitcoind/bitcoin-core-compatible daemons: no batching
// semantics beyond what §6 needs, HTTP basic auth, and a per-call context
// for cancellation/timeout. Modeled on networks/rpc's Client plus
// client/bridge_client.go's one-method-per-RPC style, which every caller
// in package node follows.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/log"
)

var logger = log.NewModuleLogger(log.ModuleRPC)

// Client is a JSON-RPC 1.0 client bound to a single HTTP endpoint.
type Client struct {
	endpoint string
	user     string
	pass     string
	httpc    *http.Client
	idSeq    uint64
}

// Dial constructs a Client against endpoint (e.g. "http://127.0.0.1:8332")
// using HTTP basic auth and timeout as the HTTP client's timeout, which
// bounds every call in addition to any deadline the caller's context
// carries.
func Dial(endpoint, user, pass string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		httpc:    &http.Client{Timeout: timeout},
	}
}

type jsonRequest struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonError      `json:"error"`
}

// CallContext invokes method with args and decodes the result into result
// (a pointer), the same signature the teacher's Client.CallContext uses
// throughout client/bridge_client.go:
// ec.c.CallContext(ctx, &result, "bridge_addPeer", url).
func (c *Client) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	id := atomic.AddUint64(&c.idSeq, 1)
	if args == nil {
		args = []interface{}{}
	}
	reqBody, err := json.Marshal(jsonRequest{Version: "1.0", ID: id, Method: method, Params: args})
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.RpcTimeout(fmt.Sprintf("%s timed out", method), err)
		}
		return errs.NodeUnreachable(fmt.Sprintf("%s: connection failed", method), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errs.RpcError(http.StatusUnauthorized, "bad credentials")
	}

	var jr jsonResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return fmt.Errorf("rpc: decode response (status %d): %w", resp.StatusCode, err)
	}
	if jr.Error != nil {
		logger.Debug("rpc call returned error", "method", method, "code", jr.Error.Code, "msg", jr.Error.Message)
		return errs.RpcError(jr.Error.Code, jr.Error.Message)
	}
	if result == nil || len(jr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(jr.Result, result); err != nil {
		return fmt.Errorf("rpc: decode result: %w", err)
	}
	return nil
}
