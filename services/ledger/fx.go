package ledger

import (
	"creator-payouts/pkg/config"
	"creator-payouts/pkg/task"
	"creator-payouts/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		fx.Annotate(NewRedisNotifier, fx.As(new(Notifier))),
	),
)

// Worker registers the settlement task and its schedule.
var Worker = fx.Module("ledger.worker",
	fx.Provide(task.AsPeriodic(settlePeriodic)),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.LedgerSettle, s.HandleSettleTask)
}

func settlePeriodic(cfg *config.Config) task.Periodic {
	return task.Periodic{
		Spec:     "@every " + cfg.Bonus.SettleInterval.String(),
		TaskType: taskname.LedgerSettle,
		Opts:     []asynq.Option{asynq.Queue(task.QueueLow)},
	}
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&LedgerEntry{}}
}
