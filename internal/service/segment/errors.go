package segment

import "errors"

// Sentinel errors for the segment service layer.
var (
	ErrNotFound     = errors.New("segment not found")
	ErrNameRequired = errors.New("segment name is required")
	ErrCorruptRules = errors.New("stored segment rules no longer validate")
)
