package simulator

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func signedTx(t *testing.T, gas uint64) []byte {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		GasTipCap: big.NewInt(0),
		GasFeeCap: big.NewInt(1_000_000_000),
		Gas:       gas,
		Value:     big.NewInt(0),
	})
	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestStub_ReportsTxGasLimitAndSuccess(t *testing.T) {
	raw := signedTx(t, 42_000)

	s := NewStub()
	res, err := s.Simulate(context.Background(), raw, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(42_000), res.GasUsed)
	require.True(t, res.Success)
}

func TestStub_RejectsMalformedTx(t *testing.T) {
	s := NewStub()
	_, err := s.Simulate(context.Background(), []byte{0xff}, 100)
	require.Error(t, err)
}

func TestJSONRPC_DecodesSimulationResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"gasUsed":21000,"success":true}}`))
	}))
	defer srv.Close()

	s := NewJSONRPC(srv.URL, "")
	res, err := s.Simulate(context.Background(), []byte{0x01}, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(21_000), res.GasUsed)
	require.True(t, res.Success)
}

func TestJSONRPC_ReportsRevertReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"gasUsed":21000,"success":false,"revertReason":"out of gas"}}`))
	}))
	defer srv.Close()

	s := NewJSONRPC(srv.URL, "")
	res, err := s.Simulate(context.Background(), []byte{0x01}, 10)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "out of gas", res.RevertReason)
}
