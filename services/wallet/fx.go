package wallet

import (
	"creator-payouts/pkg/config"
	"creator-payouts/pkg/task"
	"creator-payouts/pkg/taskname"
	"creator-payouts/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("wallet.module",
	fx.Provide(
		NewUpdater,
		func(u *Updater) ledger.WalletDebiter { return u },
		ProvideReconciler,
	),
)

// Worker registers the nightly reconciliation task.
var Worker = fx.Module("wallet.worker",
	fx.Provide(task.AsPeriodic(reconcilePeriodic)),
	fx.Invoke(registerTaskHandlers),
)

func ProvideReconciler(db *gorm.DB, cfg *config.Config) *Reconciler {
	return NewReconciler(db, cfg.Bonus.RepairDrift)
}

func registerTaskHandlers(mux *asynq.ServeMux, r *Reconciler) {
	mux.HandleFunc(taskname.WalletReconcile, r.HandleReconcileTask)
}

func reconcilePeriodic(cfg *config.Config) task.Periodic {
	return task.Periodic{
		Spec:     "@every " + cfg.Bonus.ReconcileInterval.String(),
		TaskType: taskname.WalletReconcile,
		Opts:     []asynq.Option{asynq.Queue(task.QueueLow)},
	}
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Wallet{}}
}
