package taskname

const (
	// Bonus tasks
	BonusEvaluate = "bonus:evaluate"

	// Payout tasks
	PayoutRequested = "payout:requested"
	PayoutRequeue   = "payout:requeue"

	// Ledger tasks
	LedgerSettle = "ledger:settle"

	// Wallet tasks
	WalletReconcile = "wallet:reconcile"
)
