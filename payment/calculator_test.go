package payment

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

func TestCalculator_Calculate(t *testing.T) {
	c := NewCalculator()

	cases := []struct {
		name     string
		params   Params
		expected *big.Int
		wantErr  atomictypes.Kind
	}{
		{
			name: "flat formula returns k2 unconditionally",
			params: Params{
				Formula: FormulaFlat,
				K2:      big.NewInt(1_000_000),
			},
			expected: big.NewInt(1_000_000),
		},
		{
			name: "gas formula scales by k1 fixed point and adds k2",
			params: Params{
				Formula: FormulaGas,
				K1:      big.NewInt(500_000_000_000_000_000), // 0.5
				K2:      big.NewInt(100),
				GasUsed: 21_000,
			},
			// 21000 * 0.5 + 100 = 10600
			expected: big.NewInt(10_600),
		},
		{
			name: "basefee formula scales (baseFee+tip)*gasUsed by k1 and adds k2",
			params: Params{
				Formula:    FormulaBasefee,
				K1:         big.NewInt(1_000_000_000_000_000_000), // 1.0
				K2:         big.NewInt(0),
				Tip:        big.NewInt(1),
				GasUsed:    21_000,
				BaseFeeWei: big.NewInt(9),
			},
			// (9+1) * 21000 = 210000
			expected: big.NewInt(210_000),
		},
		{
			name: "operator cap clamps silently",
			params: Params{
				Formula:        FormulaFlat,
				K2:             big.NewInt(1_000_000),
				OperatorMaxWei: big.NewInt(500_000),
			},
			expected: big.NewInt(500_000),
		},
		{
			name: "per-bundle cap clamps silently when tighter than operator cap",
			params: Params{
				Formula:         FormulaFlat,
				K2:              big.NewInt(1_000_000),
				OperatorMaxWei:  big.NewInt(900_000),
				PerBundleCapWei: big.NewInt(300_000),
			},
			expected: big.NewInt(300_000),
		},
		{
			name: "caller cap rejects instead of clamping",
			params: Params{
				Formula:      FormulaFlat,
				K2:           big.NewInt(1_000_000),
				CallerMaxWei: big.NewInt(500_000),
			},
			wantErr: atomictypes.KindPaymentCapExceeded,
		},
		{
			name: "unknown formula is internal error",
			params: Params{
				Formula: Formula("unknown"),
			},
			wantErr: atomictypes.KindInternal,
		},
		{
			name: "emergency stop triggers even under the per-bundle cap",
			params: Params{
				Formula:                   FormulaFlat,
				K2:                        big.NewInt(1_000_000),
				PerBundleCapWei:           big.NewInt(2_000_000),
				EmergencyStopEnabled:      true,
				EmergencyStopThresholdWei: big.NewInt(500_000),
			},
			wantErr: atomictypes.KindEmergencyStopTriggered,
		},
		{
			name: "emergency stop disabled does not clamp or reject",
			params: Params{
				Formula:                   FormulaFlat,
				K2:                        big.NewInt(1_000_000),
				EmergencyStopEnabled:      false,
				EmergencyStopThresholdWei: big.NewInt(500_000),
			},
			expected: big.NewInt(1_000_000),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Calculate(tc.params)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Equal(t, tc.wantErr, atomictypes.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, 0, tc.expected.Cmp(got), "expected %s got %s", tc.expected, got)
		})
	}
}

func TestCalculator_OverflowFailsClosed(t *testing.T) {
	c := NewCalculator()
	huge := new(big.Int).Lsh(big.NewInt(1), 255)

	_, err := c.Calculate(Params{
		Formula:    FormulaBasefee,
		K1:         huge,
		K2:         big.NewInt(0),
		Tip:        big.NewInt(0),
		GasUsed:    1,
		BaseFeeWei: huge,
	})
	require.Error(t, err)
	require.Equal(t, atomictypes.KindInternal, atomictypes.KindOf(err))
}
