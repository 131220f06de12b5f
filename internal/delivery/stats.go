package delivery

import "github.com/ignite/audience-pipeline/internal/domain"

// StatsDelta is the change an accepted transition makes to its campaign's
// counters.
type StatsDelta struct {
	Sent int
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool { return d.Sent == 0 }

// DeltaFor returns the counter change for an applied from -> to edge.
// Only queued -> sent counts as a send; since a record can reach sent at
// most once, each record contributes at most one.
func DeltaFor(from, to domain.DeliveryStatus) StatsDelta {
	if from == domain.DeliveryQueued && to == domain.DeliverySent {
		return StatsDelta{Sent: 1}
	}
	return StatsDelta{}
}

// ApplyDelta adds d to s, keeping 0 <= Sent <= TotalRecipients. It reports
// false and leaves s unchanged when the result would break that bound.
func ApplyDelta(s *domain.CampaignStats, d StatsDelta) bool {
	sent := s.Sent + d.Sent
	if sent < 0 || sent > s.TotalRecipients {
		return false
	}
	s.Sent = sent
	return true
}
