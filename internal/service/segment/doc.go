// Package segment implements segment management.
//
// Rule trees are validated before they are stored and re-validated when they
// are read back for dispatch. The estimated audience size is a cache computed
// by a full scan of the customer source; it is refreshed whenever the rules
// change or on request and is never used to decide who receives a campaign.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package segment
