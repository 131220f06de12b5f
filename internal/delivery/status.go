package delivery

import (
	"fmt"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// AllFailedPolicy decides how a campaign whose every recipient failed is
// reported.
type AllFailedPolicy string

const (
	// AllFailedCompleted reports such a campaign as completed.
	AllFailedCompleted AllFailedPolicy = "completed"
	// AllFailedFailed reports such a campaign as failed.
	AllFailedFailed AllFailedPolicy = "failed"
)

// ParseAllFailedPolicy accepts "", "completed" or "failed". The empty
// string selects AllFailedCompleted.
func ParseAllFailedPolicy(s string) (AllFailedPolicy, error) {
	switch AllFailedPolicy(s) {
	case "", AllFailedCompleted:
		return AllFailedCompleted, nil
	case AllFailedFailed:
		return AllFailedFailed, nil
	}
	return "", fmt.Errorf("unknown all-failed policy %q", s)
}

// StatusCounts is the number of a campaign's records in each status.
type StatusCounts map[domain.DeliveryStatus]int

// Total returns the number of records counted.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// DeriveCampaignStatus computes a campaign's status from its records.
//
// An undispatched campaign is pending. Once dispatched it is active while
// any record is queued or sent, and completed when every record is
// terminal (including a dispatch that produced no recipients). When every
// record failed the policy picks completed or failed.
func DeriveCampaignStatus(counts StatusCounts, dispatched bool, policy AllFailedPolicy) domain.CampaignStatus {
	if !dispatched {
		return domain.CampaignPending
	}
	for st, n := range counts {
		if n > 0 && st.InFlight() {
			return domain.CampaignActive
		}
	}
	total := counts.Total()
	if policy == AllFailedFailed && total > 0 && counts[domain.DeliveryFailed] == total {
		return domain.CampaignFailed
	}
	return domain.CampaignCompleted
}
