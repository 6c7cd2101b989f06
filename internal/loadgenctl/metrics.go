package loadgenctl

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/controller"
)

// TriggerMetrics runs the metrics collector once for the configured session, outside of any load test.
func (a *App) TriggerMetrics(ctx *loadgencontext.Context) error {
	if err := a.validateParams(); err != nil {
		return err
	}
	if a.Params.Controller.Helpers.MetricsCollector == "" {
		return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
			Name:    "helpers.metricsCollector",
			Message: "required",
		})
	}
	run := a.Params.Run
	required := []struct {
		name  string
		value string
	}{
		{"hostname", run.Hostname},
		{"soapToken", run.SoapToken},
		{"vpsId", run.VpsId},
		{"sessionId", run.SessionId},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
				Name:    r.name,
				Value:   r.value,
				Message: "required",
			})
		}
	}

	c := controller.NewController(a.Params.Controller, a.launcher(ctx), nil, clock.RealClock{})
	return c.TriggerMetrics(ctx, run)
}
