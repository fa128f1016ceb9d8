package payout

import (
	"time"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/task"
	"creator-payouts/pkg/taskname"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"
	"creator-payouts/services/wallet"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(
		NewService,
		func(s *ledger.Service) LedgerWriter { return s },
		func(u *wallet.Updater) WalletUpdater { return u },
		func(s *campaign.ContentStore) ViewRecorder { return s },
	),
)

// Worker registers the bonus sweep and its schedule.
var Worker = fx.Module("payout.worker",
	fx.Provide(
		task.AsPeriodic(sweepPeriodic),
		task.AsPeriodic(requeuePeriodic),
	),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.BonusEvaluate, s.HandleEvaluateTask)
	mux.HandleFunc(taskname.PayoutRequeue, s.HandleRequeueTask)
}

// sweepPeriodic keeps at most one full sweep queued; a slow sweep is not
// stacked behind another.
func sweepPeriodic(cfg *config.Config) task.Periodic {
	interval := cfg.Bonus.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return task.Periodic{
		Spec:     "@every " + interval.String(),
		TaskType: taskname.BonusEvaluate,
		Opts: []asynq.Option{
			asynq.Queue(task.QueueDefault),
			asynq.Unique(interval),
			asynq.Timeout(interval),
		},
	}
}

func requeuePeriodic(cfg *config.Config) task.Periodic {
	interval := cfg.Bonus.RequeueInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return task.Periodic{
		Spec:     "@every " + interval.String(),
		TaskType: taskname.PayoutRequeue,
		Opts: []asynq.Option{
			asynq.Queue(task.QueueLow),
			asynq.Unique(interval),
		},
	}
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&PayoutRecord{}}
}
