package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func jsonrpcServer(t *testing.T, handle func(w http.ResponseWriter, req rpcRequest)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		handle(w, req)
	}))
}

func newTestClient(url string) *Client {
	return New(Config{
		Name:           "test-builder",
		URL:            url,
		ConnectTimeout: time.Second,
		TotalTimeout:   2 * time.Second,
		MaxAttempts:    3,
		PaymentAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	})
}

func TestClient_SendBundle_Accepted(t *testing.T) {
	srv := jsonrpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0xok"}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, _, err := c.SendBundle(context.Background(), []byte{0x01}, []byte{0x02}, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
}

func TestClient_SendBundle_RejectedNoRetry(t *testing.T) {
	var calls int32
	srv := jsonrpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32602,"message":"bundle too old"}}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, resp, err := c.SendBundle(context.Background(), []byte{0x01}, []byte{0x02}, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome)
	require.Equal(t, "bundle too old", string(resp))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "a definitive rejection must not be retried")
}

func TestClient_SendBundle_TransportErrorRetries(t *testing.T) {
	var calls int32
	srv := jsonrpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32603,"message":"internal error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0xok"}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, _, err := c.SendBundle(context.Background(), []byte{0x01}, []byte{0x02}, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_SendBundleMultiBlock_StopsAtFirstAcceptance(t *testing.T) {
	var blocksSeen []string
	srv := jsonrpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		blocksSeen = append(blocksSeen, string(req.ID))
		if len(blocksSeen) < 2 {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32000,"message":"not enough value"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0xok"}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, _, err := c.SendBundleMultiBlock(context.Background(), []byte{0x01}, []byte{0x02}, []uint64{100, 101, 102})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	require.Len(t, blocksSeen, 2, "must stop submitting once a target block is accepted")
}

func TestClient_SendBundleMultiBlock_AllRejected(t *testing.T) {
	srv := jsonrpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32602,"message":"bad params"}}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, _, err := c.SendBundleMultiBlock(context.Background(), []byte{0x01}, []byte{0x02}, []uint64{100, 101})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome)
}
