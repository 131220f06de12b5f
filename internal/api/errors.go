package api

import (
	"errors"
	"net/http"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/mailing"
	"github.com/ignite/audience-pipeline/internal/pkg/httputil"
	"github.com/ignite/audience-pipeline/internal/segmentation"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

// respondServiceError maps service errors to HTTP responses. Anything not
// recognised is logged and reported as a generic 500 so storage details
// never reach API consumers.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		invalidRules *segmentation.ValidationError
		transition   *delivery.InvalidTransitionError
	)
	switch {
	case errors.As(err, &invalidRules):
		httputil.ErrorWithDetails(w, http.StatusBadRequest, "invalid_rules", invalidRules.Error(), invalidRules)

	case errors.As(err, &transition):
		httputil.JSON(w, http.StatusConflict, map[string]string{
			"result": "rejected",
			"error":  transition.Error(),
			"from":   string(transition.From),
			"to":     string(transition.To),
		})

	case errors.Is(err, segment.ErrNotFound),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrCustomerNotFound),
		errors.Is(err, delivery.ErrNotFound):
		httputil.NotFound(w, err.Error())

	case errors.Is(err, segment.ErrNameRequired),
		errors.Is(err, campaign.ErrNameRequired),
		errors.Is(err, campaign.ErrSubjectMissing),
		errors.Is(err, campaign.ErrInvalidStatus),
		errors.Is(err, delivery.ErrInvalidEvent):
		httputil.BadRequest(w, err.Error())

	case errors.Is(err, mailing.ErrTemplate):
		httputil.ErrorWithDetails(w, http.StatusBadRequest, "invalid_template", err.Error(), nil)

	case errors.Is(err, campaign.ErrSegmentMissing):
		httputil.Error(w, http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, segment.ErrCorruptRules):
		httputil.ErrorWithDetails(w, http.StatusConflict, "corrupt_rules", err.Error(), nil)

	default:
		httputil.InternalError(w, err)
	}
}
