package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/api/middleware"
	"github.com/tracelighthq/billing-backend/api/responses"
	"github.com/tracelighthq/billing-backend/internal/usage"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type UsageReader interface {
	Summary(ctx context.Context, orgID uuid.UUID) (usage.UsageSummary, error)
}

// UsageSummary reports the organization's event count for the current window.
func UsageSummary(svc UsageReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		summary, err := svc.Summary(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
