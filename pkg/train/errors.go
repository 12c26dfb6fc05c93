package train

import "fmt"

// InsufficientDataError reports a block that yields no training sample.
type InsufficientDataError struct {
	Block int
	Chars int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("block %d has %d usable characters, no training sample can be built", e.Block, e.Chars)
}
