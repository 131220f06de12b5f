// Package campaign implements campaign lifecycle management.
//
// The service layer creates campaigns against a segment, dispatches them
// into one queued delivery record per matching customer, and serves the
// derived status, stats and per-recipient logs. It depends on repository
// interfaces defined in this package and should never import from api/.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
