package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

const sampleYAML = `
network:
  chain_id: 1
  name: mainnet
targets:
  blocks_ahead: 3
  resubmit_max: 5
payment:
  formula: gas
  k1: "0.5"
  k2: "100"
limits:
  per_bundle_cap_wei: "1000000"
  emergency_stop_enabled: true
  emergency_stop_threshold_wei: "500000"
builders:
  - name: builder-a
    relay_url: https://builder-a.example
    payment_address: "0x1111111111111111111111111111111111111111"
    enabled: true
`

func writeTempConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ParsesRecognizedKeys(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 1, cfg.Network.ChainID)
	require.Equal(t, "gas", cfg.Payment.Formula)
	require.Equal(t, uint16(5), cfg.Targets.ResubmitMax)
	require.Len(t, cfg.Builders, 1)
	require.True(t, cfg.Builders[0].Enabled)
	require.True(t, cfg.Limits.EmergencyStopEnabled)
	require.Equal(t, "500000", cfg.Limits.EmergencyStopThresholdWei)
}

func TestLoad_RejectsUnknownFormula(t *testing.T) {
	path := writeTempConfig(t, `
payment:
  formula: made-up
builders:
  - name: a
    relay_url: https://a.example
    payment_address: "0x1"
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Equal(t, atomictypes.KindConfigError, atomictypes.KindOf(err))
}

func TestLoad_RejectsNoBuilders(t *testing.T) {
	path := writeTempConfig(t, `
payment:
  formula: flat
builders: []
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
	require.Equal(t, atomictypes.KindConfigError, atomictypes.KindOf(err))
}

func TestParseWei_EmptyIsNil(t *testing.T) {
	v, err := ParseWei("")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestParseWei_ParsesDecimalString(t *testing.T) {
	v, err := ParseWei("123456789")
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(123456789).Cmp(v))
}

func TestParseWei_RejectsNonNumeric(t *testing.T) {
	_, err := ParseWei("not-a-number")
	require.Error(t, err)
	require.Equal(t, atomictypes.KindConfigError, atomictypes.KindOf(err))
}

func TestParseFixedPoint_EmptyIsZero(t *testing.T) {
	v, err := ParseFixedPoint("")
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(0).Cmp(v))
}

func TestParseFixedPoint_ScalesToEighteenDecimals(t *testing.T) {
	v, err := ParseFixedPoint("1.5")
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(1_500_000_000_000_000_000).Cmp(v))
}

func TestParseFixedPoint_RejectsGarbage(t *testing.T) {
	_, err := ParseFixedPoint("not-a-float")
	require.Error(t, err)
}
