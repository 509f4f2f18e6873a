package ethrpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		paramsJSON, err := json.Marshal(req.Params)
		require.NoError(t, err)

		result, err := handler(req.Method, paramsJSON)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestLatestBlock(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		require.Equal(t, "eth_blockNumber", method)
		return "0x2a", nil
	})
	defer srv.Close()

	c := New()
	n, err := c.LatestBlock(t.Context(), "testnet", srv.URL)
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestGetBlockAbsent(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		require.Equal(t, "eth_getBlockByNumber", method)
		return nil, nil
	})
	defer srv.Close()

	c := New()
	header, ok, err := c.GetBlock(t.Context(), "testnet", srv.URL, 100)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, header)
}

func TestGetBlockPresent(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"number":    "0x64",
			"logsBloom": "0x" + stringRepeat("00", 256),
		}, nil
	})
	defer srv.Close()

	c := New()
	header, ok, err := c.GetBlock(t.Context(), "testnet", srv.URL, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), header.Number)
}

func TestGetLogsDropsNullBlockNumberAndRemoved(t *testing.T) {
	addr := common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		require.Equal(t, "eth_getLogs", method)
		return []map[string]interface{}{
			{
				"address":          addr.Hex(),
				"topics":           []string{},
				"data":             "0x",
				"blockNumber":      "0x5",
				"transactionHash":  "0x" + stringRepeat("11", 32),
				"transactionIndex": "0x0",
				"blockHash":        "0x" + stringRepeat("22", 32),
				"logIndex":         "0x0",
				"removed":          false,
			},
			{
				"address":          addr.Hex(),
				"topics":           []string{},
				"data":             "0x",
				"blockNumber":      nil,
				"transactionHash":  "0x" + stringRepeat("33", 32),
				"transactionIndex": "0x0",
				"blockHash":        "0x" + stringRepeat("44", 32),
				"logIndex":         "0x1",
				"removed":          false,
			},
			{
				"address":          addr.Hex(),
				"topics":           []string{},
				"data":             "0x",
				"blockNumber":      "0x6",
				"transactionHash":  "0x" + stringRepeat("55", 32),
				"transactionIndex": "0x0",
				"blockHash":        "0x" + stringRepeat("66", 32),
				"logIndex":         "0x0",
				"removed":          true,
			},
		}, nil
	})
	defer srv.Close()

	c := New()
	logs, err := c.GetLogs(t.Context(), "testnet", srv.URL, 5, 6, []common.Address{addr})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(5), logs[0].BlockNumber)
}

func TestGetLogsRejectsInvertedRange(t *testing.T) {
	c := New()
	_, err := c.GetLogs(t.Context(), "testnet", "http://unused", 10, 5, nil)
	require.Error(t, err)
}

func stringRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
