package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 账本业务指标
// 指标在包初始化时创建, 未调用 Init 注册时也可以安全使用 (例如单元测试)
var (
	TransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Transactions reaching a state, by type.",
	}, []string{"type", "state"})

	AuthorizationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_authorization_failures_total",
		Help: "Rejected authorizations, by errno code.",
	}, []string{"code"})

	SettlementDeferrals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlement_deferrals_total",
		Help: "Settlement attempts pushed back, by reason.",
	}, []string{"reason"})

	CASConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cas_conflicts_total",
		Help: "Conditional writes lost to a concurrent writer.",
	}, []string{"record"})

	WorkerPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_worker_records_total",
		Help: "Records processed by the scheduler, by algorithm and outcome.",
	}, []string{"algorithm", "outcome"})

	LeaseReclaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_lease_reclaims_total",
		Help: "Expired worker leases taken over.",
	}, []string{"algorithm"})

	WorkerPassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_worker_pass_duration_seconds",
		Help:    "Duration of one scheduler pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"algorithm"})

	PayoffFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_credit_payoff_failures_total",
		Help: "Credit payoffs that exhausted every backup source.",
	})
)

func registerLedgerMetrics(r prometheus.Registerer) {
	r.MustRegister(
		TransactionsTotal,
		AuthorizationFailures,
		SettlementDeferrals,
		CASConflicts,
		WorkerPasses,
		LeaseReclaims,
		WorkerPassDuration,
		PayoffFailures,
	)
}
