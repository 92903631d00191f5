package apperrors

import (
	"errors"
	"fmt"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrExchangeBusiness      = errors.New("exchange business error")
)

// Strategy lifecycle errors
var (
	ErrAlreadyRunning     = errors.New("a strategy is already running")
	ErrNotRunning         = errors.New("no strategy is running")
	ErrConfigInvalid      = errors.New("strategy config invalid")
	ErrConfigImmutableKey = errors.New("config key cannot be changed while running")
	ErrGridConfigInvalid  = errors.New("grid config invalid")
	ErrMergeFailed        = errors.New("order merge failed")
	ErrSpecNotFound       = errors.New("instrument spec not found")
)

// Venue business codes the engines classify on.
const (
	CodeNoPositionToClose = "22002"
	CodeTradeSideMismatch = "40774"
)

// ExchangeError carries the venue's original business code and message so
// callers can classify beyond the mapped sentinel. Unwrap returns the
// sentinel, keeping errors.Is usable on both axes.
type ExchangeError struct {
	Code     string
	Msg      string
	Status   int // HTTP status, 0 when the envelope arrived with 200
	sentinel error
}

func NewExchangeError(code, msg string, status int, sentinel error) *ExchangeError {
	if sentinel == nil {
		sentinel = ErrExchangeBusiness
	}
	return &ExchangeError{Code: code, Msg: msg, Status: status, sentinel: sentinel}
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bitget error %s: %s (http %d)", e.Code, e.Msg, e.Status)
	}
	return fmt.Sprintf("bitget error %s: %s", e.Code, e.Msg)
}

func (e *ExchangeError) Unwrap() error { return e.sentinel }

// ExchangeCode extracts the venue business code from err, or "" when err does
// not wrap an ExchangeError.
func ExchangeCode(err error) string {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsNoPositionToClose reports whether err is the venue's "no position to
// close" rejection, which the sell ladder treats as retryable.
func IsNoPositionToClose(err error) bool {
	return ExchangeCode(err) == CodeNoPositionToClose
}

// IsTradeSideMismatch reports whether err is the venue's hold-mode mismatch
// rejection, also retryable by the sell ladder.
func IsTradeSideMismatch(err error) bool {
	return ExchangeCode(err) == CodeTradeSideMismatch
}
