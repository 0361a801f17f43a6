package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flashbots/atomic-bundler/adapters/redis"
	"github.com/flashbots/atomic-bundler/jsonrpcserver"
	"github.com/flashbots/atomic-bundler/ledger"
)

// AdminAPI backs the admin_reloadConfig, admin_setKillswitch and
// admin_monthlySpend JSON-RPC methods mounted at /admin: a thin method receiver wired into
// jsonrpcserver.Methods in cmd/bundler/main.go.
type AdminAPI struct {
	log        *zap.Logger
	killswitch *redis.KillswitchFlag
	reload     func(ctx context.Context) error
	store      *ledger.Store
}

// NewAdminAPI takes a reload func that is expected to both re-read the
// config file from disk *and* push the reloaded limits/formula parameters
// into whatever lives downstream (e.g. pipeline.Controller.UpdateLiveConfig)
// so admin_reloadConfig actually changes behavior for future submissions,
// not just re-validates the file.
func NewAdminAPI(log *zap.Logger, killswitch *redis.KillswitchFlag, reload func(ctx context.Context) error, store *ledger.Store) *AdminAPI {
	return &AdminAPI{log: log, killswitch: killswitch, reload: reload, store: store}
}

type setKillswitchResult struct {
	Disabled bool `json:"disabled"`
}

// SetKillswitch toggles ServiceDisabled; bundles already queued or sent are
// unaffected, only future calls to Submit are rejected while disabled.
func (a *AdminAPI) SetKillswitch(ctx context.Context, disabled bool) (setKillswitchResult, error) {
	if err := a.killswitch.Set(ctx, disabled); err != nil {
		return setKillswitchResult{}, err
	}
	a.log.Info("killswitch updated via admin surface", zap.Bool("disabled", disabled),
		zap.String("admin_token", jsonrpcserver.GetAdminToken(ctx)))
	return setKillswitchResult{Disabled: disabled}, nil
}

type reloadConfigResult struct {
	Reloaded bool `json:"reloaded"`
}

// ReloadConfig re-reads configuration from disk; bundles already in the
// pipeline keep the config snapshot they were admitted with, since each
// Submit call captures its limits/formula parameters up front rather than
// reading through a live pointer mid-flight.
func (a *AdminAPI) ReloadConfig(ctx context.Context) (reloadConfigResult, error) {
	if a.reload == nil {
		return reloadConfigResult{Reloaded: false}, nil
	}
	if err := a.reload(ctx); err != nil {
		return reloadConfigResult{}, err
	}
	a.log.Info("configuration reloaded via admin surface",
		zap.String("admin_token", jsonrpcserver.GetAdminToken(ctx)))
	return reloadConfigResult{Reloaded: true}, nil
}

type monthlySpendResult struct {
	Month            string `json:"month"` // YYYY-MM
	PaymentAmountWei string `json:"paymentAmountWei"`
}

// MonthlySpend reports the calendar month's aggregate builder payment
// spend for operator visibility; v1 enforces no monthly cap, it only
// surfaces the number monthly_cap_wei would otherwise be compared against.
func (a *AdminAPI) MonthlySpend(ctx context.Context) (monthlySpendResult, error) {
	now := time.Now().UTC()
	sum, err := a.store.MonthlySpend(ctx, now)
	if err != nil {
		return monthlySpendResult{}, err
	}
	return monthlySpendResult{Month: now.Format("2006-01"), PaymentAmountWei: sum.String()}, nil
}

// Methods returns the jsonrpcserver.Methods map for admin_reloadConfig,
// admin_setKillswitch and admin_monthlySpend, ready to pass to jsonrpcserver.NewHandler.
func (a *AdminAPI) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		"admin_setKillswitch": a.SetKillswitch,
		"admin_reloadConfig":  a.ReloadConfig,
		"admin_monthlySpend":  a.MonthlySpend,
	}
}
