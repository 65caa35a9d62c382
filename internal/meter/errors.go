package meter

import (
	"errors"
	"fmt"

	"github.com/compresr/usage-monitor/internal/monitoring"
)

// FatalError aborts the exchange from the metering perspective. Before
// execution it means the request must be rejected. After execution it means
// the answer exists but could not be billed.
type FatalError struct {
	Phase monitoring.Phase
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("error calculating usage during %s: %v", e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// InsufficientBalanceError blocks execution because the balance is exhausted.
type InsufficientBalanceError struct {
	Balance float64
	Message string // localized
}

func (e *InsufficientBalanceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("insufficient balance: %.4f", e.Balance)
}

// IsInsufficientBalance reports whether err is (or wraps) an *InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}
