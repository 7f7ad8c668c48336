package delivery

import (
	"context"
	"time"

	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// Dispatch executes one action and reports its outcome to the runtime.
func (s *Session) Dispatch(ctx context.Context, action Action) Result {
	start := time.Now()

	var res Result
	switch a := action.(type) {
	case Keep:
		res = s.keep(ctx, a)
	case Discard:
		res = s.discard()
	case FileInto:
		res = s.fileInto(ctx, a)
	case Redirect:
		res = s.redirect(ctx, a)
	case Reject:
		res = s.reject(ctx, a)
	case Notify:
		res = s.notify(ctx, a)
	case VacationCheck:
		res = s.vacationCheck(ctx, a)
	case VacationSend:
		res = s.vacationSend(ctx, a)
	case DuplicateCheck:
		res = s.duplicateCheck(ctx, a)
	case DuplicateTrack:
		res = s.duplicateTrack(ctx, a)
	default:
		res = Failf("unsupported action %T", action)
	}

	kind := "unknown"
	if action != nil {
		kind = action.Kind()
	}
	metrics.SieveActions.WithLabelValues(kind, res.Outcome.String()).Inc()
	metrics.SieveActionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if res.Outcome == OutcomeFail {
		logger.Warn("SIEVE: action failed", "action", kind, "user", s.rcpt.UserID,
			"recipient", s.rcpt.Address, "msgid", s.msgID(), "error", res.Message)
	}
	return res
}

func fail(err error) Result {
	return Result{Outcome: OutcomeFail, Message: err.Error()}
}
