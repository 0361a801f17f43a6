// Package simulator implements the pluggable Simulator capability: given a
// transaction and a state reference it must produce {gas_used, success,
// revert_reason?}. The Pipeline Controller only depends on this shape.
package simulator

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	atomictypes "github.com/flashbots/atomic-bundler/types"
	"github.com/ybbus/jsonrpc/v3"
)

// Result is the shape every Simulator implementation must produce,
// deliberately minimal.
type Result struct {
	GasUsed      uint64
	Success      bool
	RevertReason string
}

// Simulator is the capability the Pipeline Controller invokes at stage 3.
type Simulator interface {
	Simulate(ctx context.Context, tx1Raw []byte, stateBlock uint64) (Result, error)
}

// Stub is the default implementation: it returns the transaction's own gas
// limit as gas_used and always reports success.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) Simulate(_ context.Context, tx1Raw []byte, _ uint64) (Result, error) {
	tx, err := atomictypes.DecodeSignedTx(tx1Raw)
	if err != nil {
		return Result{}, err
	}
	return Result{GasUsed: tx.Gas(), Success: true}, nil
}

// simulateCallParams mirrors the shape a debug_traceCall/eth_call backed
// simulator would take; kept minimal since the node's actual tracer config
// is an external collaborator.
type simulateCallParams struct {
	Tx         string `json:"tx"`
	StateBlock uint64 `json:"stateBlock"`
}

type simulateCallResult struct {
	GasUsed      uint64 `json:"gasUsed"`
	Success      bool   `json:"success"`
	RevertReason string `json:"revertReason,omitempty"`
}

// JSONRPC delegates to a node-side simulation endpoint over JSON-RPC,
// wrapping a ybbus/jsonrpc client around a single simulate call.
type JSONRPC struct {
	client jsonrpc.RPCClient
	method string
}

// NewJSONRPC builds a simulator that calls the given JSON-RPC method
// (defaulting to "atomicbundler_simulateTx") against the given endpoint.
func NewJSONRPC(endpoint, method string) *JSONRPC {
	if method == "" {
		method = "atomicbundler_simulateTx"
	}
	return &JSONRPC{client: jsonrpc.NewClient(endpoint), method: method}
}

func (s *JSONRPC) Simulate(ctx context.Context, tx1Raw []byte, stateBlock uint64) (Result, error) {
	var res simulateCallResult
	err := s.client.CallFor(ctx, &res, s.method, simulateCallParams{
		Tx:         hexutil.Encode(tx1Raw),
		StateBlock: stateBlock,
	})
	if err != nil {
		return Result{}, atomictypes.NewError(atomictypes.KindInternal, "simulation backend call failed", err)
	}
	return Result{GasUsed: res.GasUsed, Success: res.Success, RevertReason: res.RevertReason}, nil
}
