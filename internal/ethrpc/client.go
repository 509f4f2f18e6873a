// Package ethrpc is a minimal JSON-RPC 2.0 client speaking exactly the
// three Ethereum node methods Blockwatch needs: eth_blockNumber,
// eth_getBlockByNumber, and eth_getLogs. Each network gets its own
// circuit breaker so a stalled RPC endpoint fails fast instead of
// stacking up timeouts across a busy listener loop.
package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sony/gobreaker"
)

const callTimeout = 10 * time.Second

// Log is the wire shape of an eth_getLogs entry. Blockwatch reads only
// Address and BlockNumber; everything else is passed through verbatim
// to the webhook payload via the embedded types.Log JSON encoding.
type Log = types.Log

// BlockHeader is the listener's view of a block: its number and the
// 2048-bit logs bloom used to gate the log fetch.
type BlockHeader struct {
	Number    uint64
	LogsBloom types.Bloom
}

// Client is a shared JSON-RPC transport. It is safe for concurrent use
// by multiple listener goroutines; each distinct network name gets an
// independent circuit breaker.
type Client struct {
	http      *http.Client
	breakers  sync.Map // network name -> *gobreaker.CircuitBreaker
}

// New returns a Client with a 10s per-call timeout.
func New() *Client {
	return &Client{
		http: &http.Client{Timeout: callTimeout},
	}
}

func (c *Client) breaker(network string) *gobreaker.CircuitBreaker {
	if b, ok := c.breakers.Load(network); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        network,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	actual, _ := c.breakers.LoadOrStore(network, b)
	return actual.(*gobreaker.CircuitBreaker)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC 2.0 round trip against rpcURL, wrapped in
// the network's circuit breaker. network is an opaque key used only to
// scope the breaker, not the RPC method.
func (c *Client) call(ctx context.Context, network, rpcURL, method string, params interface{}) (json.RawMessage, error) {
	result, err := c.breaker(network).Execute(func() (interface{}, error) {
		return c.doCall(ctx, rpcURL, method, params)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Client) doCall(ctx context.Context, rpcURL, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("ethrpc: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ethrpc: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ethrpc: %s: unexpected status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ethrpc: %s: decoding response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("ethrpc: %s: rpc error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}

	return decoded.Result, nil
}

// LatestBlock calls eth_blockNumber.
func (c *Client) LatestBlock(ctx context.Context, network, rpcURL string) (uint64, error) {
	raw, err := c.call(ctx, network, rpcURL, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}

	var hex hexutil.Uint64
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("ethrpc: eth_blockNumber: decoding result: %w", err)
	}
	return uint64(hex), nil
}

type blockHeaderWire struct {
	Number    hexutil.Uint64 `json:"number"`
	LogsBloom types.Bloom    `json:"logsBloom"`
}

// GetBlock calls eth_getBlockByNumber(num, false). It returns
// (nil, false, nil) when the node responds with a null result, meaning
// the block has not been produced yet.
func (c *Client) GetBlock(ctx context.Context, network, rpcURL string, blockNum uint64) (*BlockHeader, bool, error) {
	params := []interface{}{hexutil.EncodeUint64(blockNum), false}
	raw, err := c.call(ctx, network, rpcURL, "eth_getBlockByNumber", params)
	if err != nil {
		return nil, false, err
	}
	if isNull(raw) {
		return nil, false, nil
	}

	var wire blockHeaderWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false, fmt.Errorf("ethrpc: eth_getBlockByNumber: decoding result: %w", err)
	}

	return &BlockHeader{
		Number:    uint64(wire.Number),
		LogsBloom: wire.LogsBloom,
	}, true, nil
}

type logsFilter struct {
	FromBlock string           `json:"fromBlock"`
	ToBlock   string           `json:"toBlock"`
	Address   []common.Address `json:"address"`
}

// logWire mirrors the eth_getLogs wire shape with BlockNumber left
// optional, since a pending or removed log reports it as null.
type logWire struct {
	Address     common.Address  `json:"address"`
	Topics      []common.Hash   `json:"topics"`
	Data        hexutil.Bytes   `json:"data"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash     `json:"transactionHash"`
	TxIndex     hexutil.Uint    `json:"transactionIndex"`
	BlockHash   common.Hash     `json:"blockHash"`
	Index       hexutil.Uint    `json:"logIndex"`
	Removed     bool            `json:"removed"`
}

// GetLogs calls eth_getLogs over the inclusive [from, to] range for the
// given contract addresses. Logs with a null block number (pending or
// removed) are dropped before returning.
func (c *Client) GetLogs(ctx context.Context, network, rpcURL string, from, to uint64, addresses []common.Address) ([]Log, error) {
	if from > to {
		return nil, fmt.Errorf("ethrpc: eth_getLogs: invalid range [%d, %d]", from, to)
	}

	filter := logsFilter{
		FromBlock: hexutil.EncodeUint64(from),
		ToBlock:   hexutil.EncodeUint64(to),
		Address:   addresses,
	}
	raw, err := c.call(ctx, network, rpcURL, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}

	var wire []logWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("ethrpc: eth_getLogs: decoding result: %w", err)
	}

	out := make([]Log, 0, len(wire))
	for _, lg := range wire {
		if lg.BlockNumber == nil || lg.Removed {
			continue
		}
		out = append(out, Log{
			Address:     lg.Address,
			Topics:      lg.Topics,
			Data:        lg.Data,
			BlockNumber: uint64(*lg.BlockNumber),
			TxHash:      lg.TxHash,
			TxIndex:     uint(lg.TxIndex),
			BlockHash:   lg.BlockHash,
			Index:       uint(lg.Index),
			Removed:     lg.Removed,
		})
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
