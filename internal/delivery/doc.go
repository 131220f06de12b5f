// Package delivery owns the per-recipient delivery lifecycle.
//
// Transition is the single state machine every status change goes through;
// Service applies delivery events to stored records with a compare-and-swap
// on the current status, so duplicated or concurrent callbacks for the same
// record are linearized and a repeated event becomes a no-op. Campaign
// counters move only through the StatsDelta returned for an accepted edge.
package delivery
