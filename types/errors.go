package types

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of error kinds the pipeline can return.
// httpapi maps each Kind to an HTTP status code; nothing outside this set
// should ever reach the ingress boundary.
type Kind string

const (
	KindInvalidTransaction Kind = "InvalidTransaction"
	KindPriorityFeeNonZero Kind = "PriorityFeeNonZero"
	KindChainIDMismatch    Kind = "ChainIdMismatch"
	KindSimulationReverted Kind = "SimulationReverted"
	KindPaymentCapExceeded Kind = "PaymentCapExceeded"
	KindDailyCapExceeded   Kind = "DailyCapExceeded"
	KindEmergencyStopTriggered Kind = "EmergencyStopTriggered"
	KindOverloaded         Kind = "Overloaded"
	KindServiceDisabled    Kind = "ServiceDisabled"
	KindRelayTransport     Kind = "RelayTransport"
	KindRelayRejected      Kind = "RelayRejected"
	KindStateConflict      Kind = "StateConflict"
	KindStorageFailure     Kind = "StorageFailure"
	KindSignerFailure      Kind = "SignerFailure"
	KindConfigError        Kind = "ConfigError"
	KindInternal           Kind = "Internal"
)

// Error is the typed error returned by every pipeline stage. It wraps an
// underlying cause so callers can still use errors.Is/As against it while
// still getting a stable Kind for status-code mapping.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err does
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrBundleNotFound    = errors.New("bundle not found")
	ErrStateConflict     = NewError(KindStateConflict, "bundle is not in the expected state", nil)
	ErrDailyCapExceeded  = NewError(KindDailyCapExceeded, "daily spend cap exceeded", nil)
	ErrServiceDisabled   = NewError(KindServiceDisabled, "service disabled by killswitch", nil)
	ErrOverloaded        = NewError(KindOverloaded, "submission queue depth exceeded", nil)
	ErrPriorityFeeNonZero = NewError(KindPriorityFeeNonZero, "max_priority_fee_per_gas must be zero", nil)
	ErrEmergencyStopTriggered = NewError(KindEmergencyStopTriggered,
		"computed payment amount exceeds the emergency stop threshold", nil)
)
