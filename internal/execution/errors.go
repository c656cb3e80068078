// Package execution provides the order state machine, the order manager and
// the brokerage boundary.
package execution

import (
	"errors"
	"fmt"

	"github.com/quantdesk/trading-desk/pkg/types"
)

var (
	// ErrTransport marks a network-level broker failure (timeout, transient
	// error). The order manager retries these with bounded backoff before
	// surfacing the order as broker_rejected.
	ErrTransport = errors.New("broker transport error")

	// ErrOverFill is a ledger inconsistency: a fill beyond the order's
	// remaining quantity. It halts further mutation of that order and is
	// never silently clamped.
	ErrOverFill = errors.New("fill exceeds remaining order quantity")

	// ErrOrderHalted is returned for fills on an order frozen by a prior
	// ledger inconsistency.
	ErrOrderHalted = errors.New("order halted after ledger inconsistency")

	// ErrUnknownOrder is returned for fills referencing no tracked order.
	ErrUnknownOrder = errors.New("unknown order")
)

// ValidationError reports a malformed order shape. Fatal to that order,
// never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Msg)
}

// IllegalTransitionError reports an attempted illegal order status change.
type IllegalTransitionError struct {
	OrderID string
	From    types.OrderStatus
	To      types.OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}
