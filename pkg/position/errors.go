package position

import (
	"errors"
	"fmt"
)

var (
	ErrPositionNotFound           = errors.New("position not found")
	ErrInvalidCloseVolume         = errors.New("close volume must be non-zero")
	ErrCloseVolumeExceedsPosition = errors.New("close volume exceeds position volume")
)

// StateError 非法状态迁移
type StateError struct {
	PositionID string
	From       Status
	Action     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("position %s: %s is not allowed from status %s", e.PositionID, e.Action, e.From)
}
