package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/api/responses"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

const orgIDHeader = "X-Org-ID"

type contextKey string

const ctxOrgID contextKey = "org_id"

// RequireOrg resolves the tenant from the X-Org-ID header set by the edge
// proxy after authentication. Requests without a valid organization never
// reach the billing handlers.
func RequireOrg(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw := r.Header.Get(orgIDHeader)
			if raw == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization header missing"))
				return
			}
			orgID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "organization id must be a uuid"))
				return
			}

			ctx = context.WithValue(ctx, ctxOrgID, orgID)
			if logg != nil {
				ctx = logg.WithOrgID(ctx, orgID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgIDFromContext returns the organization injected by RequireOrg.
func OrgIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	if v, ok := ctx.Value(ctxOrgID).(uuid.UUID); ok {
		return v, true
	}
	return uuid.Nil, false
}
