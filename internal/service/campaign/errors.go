package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound         = errors.New("campaign not found")
	ErrSegmentMissing   = errors.New("campaign segment not found")
	ErrNameRequired     = errors.New("campaign name is required")
	ErrSubjectMissing   = errors.New("campaign subject is required")
	ErrInvalidStatus    = errors.New("unknown delivery status filter")
	ErrCustomerNotFound = errors.New("customer not found")
)
