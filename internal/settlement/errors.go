package settlement

import (
	"context"
	"errors"
	"fmt"

	"jpyescrow/internal/convert"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/oracle"
)

// Reason is a stable code naming why an operation was rejected.
type Reason string

const (
	ReasonInvalidJPYAmount    Reason = "INVALID_JPY_AMOUNT"
	ReasonInvalidDeadline     Reason = "INVALID_DEADLINE"
	ReasonInvalidAsset        Reason = "INVALID_ASSET"
	ReasonUnsupportedAsset    Reason = "UNSUPPORTED_ASSET"
	ReasonInvalidTaker        Reason = "INVALID_TAKER"
	ReasonInsufficientFunds   Reason = "INSUFFICIENT_FUNDS"
	ReasonEscrowNotFound      Reason = "ESCROW_NOT_FOUND"
	ReasonOnlyMaker           Reason = "ONLY_MAKER"
	ReasonInvalidOTC          Reason = "INVALID_OTC"
	ReasonDeadlineNotReached  Reason = "DEADLINE_NOT_REACHED"
	ReasonEscrowSettled       Reason = "ESCROW_SETTLED"
	ReasonOperationInProgress Reason = "OPERATION_IN_PROGRESS"
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonPriceUnavailable    Reason = "PRICE_UNAVAILABLE"
	ReasonStaleQuote          Reason = "STALE_QUOTE"
	ReasonCapExceeded         Reason = "CAP_EXCEEDED"
	ReasonTransferFailed      Reason = "TRANSFER_FAILED"
	ReasonCancelled           Reason = "CANCELLED"
	ReasonInternal            Reason = "INTERNAL"
)

// ErrOperationInProgress rejects a second mutating call while one is in flight for
// the same escrow or maker.
var ErrOperationInProgress = errors.New("operation already in progress")

// Retryable reports whether waiting and retrying can succeed without changing the input.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonPriceUnavailable, ReasonStaleQuote,
		ReasonOperationInProgress, ReasonDeadlineNotReached:
		return true
	}
	return false
}

// Error is returned by every Service operation.
type Error struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Reason.Retryable() }

// ReasonOf extracts the reason from err, classifying bare errors on the way.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return classify(err)
}

var reasonTable = []struct {
	err    error
	reason Reason
}{
	{ErrOperationInProgress, ReasonOperationInProgress},
	{escrow.ErrInconsistent, ReasonInternal},
	{escrow.ErrInvalidJPYAmount, ReasonInvalidJPYAmount},
	{escrow.ErrInvalidDeadline, ReasonInvalidDeadline},
	{escrow.ErrInvalidAsset, ReasonInvalidAsset},
	{escrow.ErrInvalidTaker, ReasonInvalidTaker},
	{escrow.ErrInsufficientFunds, ReasonInsufficientFunds},
	{escrow.ErrEscrowNotFound, ReasonEscrowNotFound},
	{escrow.ErrOnlyMaker, ReasonOnlyMaker},
	{escrow.ErrInvalidOTC, ReasonInvalidOTC},
	{escrow.ErrDeadlineNotReached, ReasonDeadlineNotReached},
	{escrow.ErrEscrowSettled, ReasonEscrowSettled},
	{escrow.ErrTransferFailed, ReasonTransferFailed},
	{convert.ErrUnsupportedAsset, ReasonUnsupportedAsset},
	{convert.ErrStaleQuote, ReasonStaleQuote},
	{convert.ErrCapExceeded, ReasonCapExceeded},
	{convert.ErrMissingPrice, ReasonPriceUnavailable},
	{oracle.ErrRateLimited, ReasonRateLimited},
	{oracle.ErrPriceUnavailable, ReasonPriceUnavailable},
	{context.Canceled, ReasonCancelled},
	{context.DeadlineExceeded, ReasonCancelled},
}

func classify(err error) Reason {
	for _, row := range reasonTable {
		if errors.Is(err, row.err) {
			return row.reason
		}
	}
	return ReasonInternal
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Reason: classify(err), Err: err}
}
