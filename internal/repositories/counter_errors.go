package repositories

import (
	"errors"
	"fmt"
)

// ErrInvalidCounter matches every *CounterError.
var ErrInvalidCounter = errors.New("counter: invalid request")

// CounterError is returned before the store is touched when a counter call cannot be served.
type CounterError struct {
	CounterID string
	Step      int64
	Reason    string
}

func (e *CounterError) Error() string {
	return fmt.Sprintf("counter %q step %d: %s", e.CounterID, e.Step, e.Reason)
}

func (e *CounterError) Is(target error) bool {
	return target == ErrInvalidCounter
}
