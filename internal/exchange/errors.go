package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// APIError is any non-transport failure reported by the exchange.
type APIError struct {
	Op     string
	Symbol string
	Code   int64
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange %s %s: code=%d %s", e.Op, e.Symbol, e.Code, e.Msg)
}

// RateLimitError marks request-weight or order-rate rejections. Callers
// retry with a longer back-off.
type RateLimitError struct {
	APIError
}

// OrderError is an order-execution, cancellation or query failure carrying
// the symbol and order id involved.
type OrderError struct {
	Op      string
	Symbol  string
	OrderID string
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s %s id=%s: %v", e.Op, e.Symbol, e.OrderID, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// wrapErr maps SDK errors onto the engine's typed errors.
func wrapErr(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		base := APIError{Op: op, Symbol: symbol, Code: apiErr.Code, Msg: apiErr.Message}
		// -1003 TOO_MANY_REQUESTS, -1015 TOO_MANY_ORDERS
		if apiErr.Code == -1003 || apiErr.Code == -1015 {
			return &RateLimitError{APIError: base}
		}
		return &base
	}
	return fmt.Errorf("exchange %s %s: %w", op, symbol, err)
}
