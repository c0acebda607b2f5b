package geoscale

import (
	"context"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/cache"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
)

// SubscribeStepLog writes one structured log entry per loop event. It returns
// the subscription ID so callers can detach the logger.
func SubscribeStepLog(bus eventbus.EventBus, logger cache.Logger) (string, error) {
	return bus.SubscribeAll(func(_ context.Context, evt eventbus.Event) error {
		fields := map[string]interface{}{
			"event":  string(evt.Type()),
			"run_id": evt.RunID(),
			"source": evt.Source(),
			"at":     evt.Timestamp().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		for k, v := range evt.Metadata() {
			fields[k] = v
		}

		switch p := evt.Payload().(type) {
		case Query:
			fields["query"] = p.Text
		case ToolInvocation:
			fields["tool"] = p.Tool
			fields["args"] = p.Args
		case Step:
			fields["step"] = p.Index
			fields["tool"] = p.Invocation.Tool
			fields["args"] = p.Invocation.Args
			fields["success"] = p.Observation.Success
			fields["result_kinds"] = p.Observation.Payload.Kinds()
		case []string:
			fields["datasets"] = p
		case string:
			fields["detail"] = p
		}

		switch evt.Type() {
		case eventbus.EventQueryFailed, eventbus.EventToolFailed, eventbus.EventOracleFailed:
			logger.Error("step", fields)
		default:
			logger.Info("step", fields)
		}
		return nil
	})
}
