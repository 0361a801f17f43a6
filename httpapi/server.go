// Package httpapi is the ingress boundary: a plain net/http mux exposing
// POST /bundles, GET /bundles/{id} and GET /healthz, the same unadorned
// http.ServeMux + http.Server shape cmd/node/main.go wires around the
// jsonrpcserver handler, generalized to a REST resource instead of a
// single JSON-RPC path.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/flashbots/atomic-bundler/adapters/redis"
	"github.com/flashbots/atomic-bundler/jsonrpcserver"
	"github.com/flashbots/atomic-bundler/payment"
	"github.com/flashbots/atomic-bundler/pipeline"
	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// Controller is the subset of *pipeline.Controller the ingress boundary
// calls, kept as an interface so handlers can be tested against a fake.
type Controller interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (atomictypes.BundleID, error)
	Status(ctx context.Context, id atomictypes.BundleID) (atomictypes.BundleView, error)
}

// Pinger checks the liveness of a dependency for GET /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log         *zap.Logger
	controller  Controller
	killswitch  *redis.KillswitchFlag
	db          Pinger
	version     string
	admin       *jsonrpcserver.Handler
	idempotency *redis.IdempotencyCache
}

func NewServer(log *zap.Logger, controller Controller, killswitch *redis.KillswitchFlag, db Pinger, version string, admin *jsonrpcserver.Handler, idempotency *redis.IdempotencyCache) *Server {
	return &Server{log: log, controller: controller, killswitch: killswitch, db: db, version: version, admin: admin, idempotency: idempotency}
}

// Mux builds the top-level routing table. The admin JSON-RPC surface is
// mounted at /admin so it never collides with the REST resource tree.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles", s.handleBundles)
	mux.HandleFunc("/bundles/", s.handleBundleByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.admin != nil {
		mux.Handle("/admin", s.admin)
	}
	return mux
}

type paymentRequest struct {
	Mode         string `json:"mode"`
	Formula      string `json:"formula"`
	MaxAmountWei string `json:"maxAmountWei"`
	Expiry       string `json:"expiry"`
}

type targetsRequest struct {
	Blocks []uint64 `json:"blocks"`
}

type submitBundleRequest struct {
	Tx1         string          `json:"tx1"`
	Payment     paymentRequest  `json:"payment"`
	TargetBlock *uint64         `json:"target_block,omitempty"`
	Targets     *targetsRequest `json:"targets,omitempty"`
}

type submitBundleResponse struct {
	BundleID string `json:"bundleId"`
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, atomictypes.KindInvalidTransaction, "method not allowed")
		return
	}

	var req submitBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "malformed request body: "+err.Error())
		return
	}

	tx1Raw, err := decodeHexTx(req.Tx1)
	if err != nil {
		writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "invalid tx1: "+err.Error())
		return
	}

	formula := payment.Formula(req.Payment.Formula)
	switch formula {
	case payment.FormulaFlat, payment.FormulaGas, payment.FormulaBasefee:
	default:
		writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "unknown payment.formula")
		return
	}

	var maxAmountWei *big.Int
	if req.Payment.MaxAmountWei != "" {
		maxAmountWei, _ = new(big.Int).SetString(req.Payment.MaxAmountWei, 10)
		if maxAmountWei == nil {
			writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "invalid payment.maxAmountWei")
			return
		}
	}

	var expiry time.Time
	if req.Payment.Expiry != "" {
		expiry, err = time.Parse(time.RFC3339, req.Payment.Expiry)
		if err != nil {
			writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "invalid payment.expiry: "+err.Error())
			return
		}
	}

	var targetBlocks []uint64
	switch {
	case req.Targets != nil && len(req.Targets.Blocks) > 0:
		targetBlocks = req.Targets.Blocks
	case req.TargetBlock != nil:
		targetBlocks = []uint64{*req.TargetBlock}
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && s.idempotency != nil {
		// claim the key with a placeholder before Submit, since Submit is
		// the one that generates the real bundle id; Finalize overwrites
		// it below once that id exists. A retry that loses Reserve gets
		// whatever the first caller is holding, placeholder or final.
		existing, won, err := s.idempotency.Reserve(r.Context(), idempotencyKey, "pending")
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		if !won {
			if existing == "pending" {
				writeError(w, http.StatusConflict, atomictypes.KindStateConflict, "an identical request with this idempotency key is still being processed")
				return
			}
			writeJSON(w, http.StatusOK, submitBundleResponse{BundleID: existing})
			return
		}
	}

	bundleID, err := s.controller.Submit(r.Context(), pipeline.SubmitRequest{
		Tx1Raw:       tx1Raw,
		Formula:      formula,
		MaxAmountWei: maxAmountWei,
		Expiry:       expiry,
		TargetBlocks: targetBlocks,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	if idempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.Finalize(r.Context(), idempotencyKey, bundleID.String()); err != nil {
			s.log.Warn("failed to finalize idempotency key", zap.String("bundle", bundleID.String()), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, submitBundleResponse{BundleID: bundleID.String()})
}

func (s *Server) handleBundleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, atomictypes.KindInvalidTransaction, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/bundles/")
	id, err := atomictypes.ParseBundleID(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, atomictypes.KindInvalidTransaction, "invalid bundle id")
		return
	}

	view, err := s.controller.Status(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBundleViewResponse(view))
}

type healthzResponse struct {
	Status     string               `json:"status"`
	Version    string               `json:"version"`
	Timestamp  string               `json:"timestamp"`
	Components healthzComponentsDTO `json:"components"`
}

type healthzComponentsDTO struct {
	Database   string `json:"database"`
	Killswitch string `json:"killswitch"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	components := healthzComponentsDTO{Database: "ok", Killswitch: "enabled"}
	status := "ok"

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			components.Database = "error: " + err.Error()
			status = "degraded"
		}
	}
	disabled, err := s.killswitch.Get(r.Context())
	switch {
	case err != nil:
		components.Killswitch = "error: " + err.Error()
		status = "degraded"
	case disabled:
		components.Killswitch = "disabled"
	default:
		components.Killswitch = "enabled"
	}

	writeJSON(w, http.StatusOK, healthzResponse{
		Status:     status,
		Version:    s.version,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

// writePipelineError maps a pipeline error Kind to the status codes spec
// §6/§7 require.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, atomictypes.ErrBundleNotFound) {
		writeError(w, http.StatusNotFound, atomictypes.KindInternal, err.Error())
		return
	}
	kind := atomictypes.KindOf(err)
	var status int
	switch kind {
	case atomictypes.KindInvalidTransaction, atomictypes.KindPriorityFeeNonZero,
		atomictypes.KindChainIDMismatch, atomictypes.KindSimulationReverted:
		status = http.StatusBadRequest
	case atomictypes.KindPaymentCapExceeded, atomictypes.KindDailyCapExceeded, atomictypes.KindEmergencyStopTriggered:
		status = http.StatusConflict
	case atomictypes.KindOverloaded:
		status = http.StatusTooManyRequests
	case atomictypes.KindServiceDisabled:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		s.log.Error("internal error serving request", zap.Error(err), zap.String("kind", string(kind)))
	}
	writeError(w, status, kind, err.Error())
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind atomictypes.Kind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: string(kind), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeHexTx(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty tx1")
	}
	return hexutil.Decode(s)
}
