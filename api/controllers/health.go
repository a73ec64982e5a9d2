package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/tracelighthq/billing-backend/api/responses"
	"github.com/tracelighthq/billing-backend/pkg/config"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

const envHeader = "X-Tracelight-Env"

// Pinger is implemented by every backing client the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady checks every dependency; a nil pinger is skipped so binaries
// that don't wire one (tests, local runs) stay ready.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" not ready"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
