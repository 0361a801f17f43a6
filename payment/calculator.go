// Package payment is the Payment Engine: it computes the builder payment
// amount from a formula and caps (calculator.go), maintains the signer's
// nonce reservation queue (noncepool.go), and forges + signs the companion
// tx2 (forger.go).
package payment

import (
	"math/big"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// Formula selects which of the three payment formulas applies.
type Formula string

const (
	FormulaFlat    Formula = "flat"
	FormulaGas     Formula = "gas"
	FormulaBasefee Formula = "basefee"
)

// fixedPointScale is the 18-decimal fixed-point scale k1 is supplied in.
var fixedPointScale = big.NewInt(1_000_000_000_000_000_000)

// Params carries every input the calculator needs, deliberately decoupled
// from any request/config type so it stays trivially testable.
type Params struct {
	Formula     Formula
	K1          *big.Int // fixed-point, 18 decimals
	K2          *big.Int // wei
	Tip         *big.Int // wei
	GasUsed     uint64
	BaseFeeWei  *big.Int

	CallerMaxWei   *big.Int // from the request, may be nil (no caller-side cap)
	OperatorMaxWei *big.Int // config.payment.max_amount_wei
	PerBundleCapWei *big.Int // config.limits.per_bundle_cap_wei

	// EmergencyStopEnabled/EmergencyStopThresholdWei is an operator-side
	// alarm threshold independent of and tighter than PerBundleCapWei: a
	// payment under the per-bundle cap can still trip it.
	EmergencyStopEnabled     bool
	EmergencyStopThresholdWei *big.Int
}

// Calculator implements the three payment formulas. All arithmetic is
// integer, on *big.Int, to satisfy a 256-bit unsigned integer ceiling
// without risking float rounding.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// Calculate computes the clamped payment amount, or a PaymentCapExceeded
// error if the unclamped amount exceeds the caller's own cap (clamping is
// only silent against the operator-side caps).
func (c *Calculator) Calculate(p Params) (*big.Int, error) {
	raw, err := c.unclamped(p)
	if err != nil {
		return nil, err
	}

	if p.CallerMaxWei != nil && raw.Cmp(p.CallerMaxWei) > 0 {
		return nil, atomictypes.NewError(atomictypes.KindPaymentCapExceeded,
			"computed payment amount exceeds the caller's maxAmountWei", nil)
	}

	clamp := p.OperatorMaxWei
	if clamp == nil || (p.PerBundleCapWei != nil && p.PerBundleCapWei.Cmp(clamp) < 0) {
		clamp = p.PerBundleCapWei
	}
	amount := raw
	if clamp != nil && raw.Cmp(clamp) > 0 {
		amount = new(big.Int).Set(clamp)
	}

	if p.EmergencyStopEnabled && p.EmergencyStopThresholdWei != nil &&
		amount.Cmp(p.EmergencyStopThresholdWei) > 0 {
		return nil, atomictypes.ErrEmergencyStopTriggered
	}
	return amount, nil
}

func (c *Calculator) unclamped(p Params) (*big.Int, error) {
	switch p.Formula {
	case FormulaFlat:
		return new(big.Int).Set(p.K2), nil
	case FormulaGas:
		return mulDivAdd(new(big.Int).SetUint64(p.GasUsed), p.K1, p.K2)
	case FormulaBasefee:
		effectivePrice := new(big.Int).Add(p.BaseFeeWei, p.Tip)
		gasCost, ok := checkedMul(new(big.Int).SetUint64(p.GasUsed), effectivePrice)
		if !ok {
			return nil, overflow()
		}
		return mulDivAdd(gasCost, p.K1, p.K2)
	default:
		return nil, atomictypes.NewError(atomictypes.KindInternal, "unknown payment formula", nil)
	}
}

// mulDivAdd computes round_to_zero(base * k1Fixed / scale) + k2, failing
// closed on any overflow so a misconfigured k1/k2 can never silently wrap.
func mulDivAdd(base, k1Fixed, k2 *big.Int) (*big.Int, error) {
	scaled, ok := checkedMul(base, k1Fixed)
	if !ok {
		return nil, overflow()
	}
	component := new(big.Int).Quo(scaled, fixedPointScale) // truncates toward zero
	total, ok := checkedAdd(component, k2)
	if !ok {
		return nil, overflow()
	}
	return total, nil
}

var uint256Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func checkedMul(a, b *big.Int) (*big.Int, bool) {
	r := new(big.Int).Mul(a, b)
	return r, r.Cmp(uint256Max) <= 0
}

func checkedAdd(a, b *big.Int) (*big.Int, bool) {
	r := new(big.Int).Add(a, b)
	return r, r.Cmp(uint256Max) <= 0
}

func overflow() error {
	return atomictypes.NewError(atomictypes.KindInternal, "payment amount calculation overflowed uint256", nil)
}
