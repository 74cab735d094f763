package kv

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consensuscommit_commits_total",
		Help: "Total number of commit attempts by outcome",
	}, []string{"outcome"})

	advisoryFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consensuscommit_advisory_failures_total",
		Help: "Failures of finalize and rollback steps that did not change a commit outcome",
	}, []string{"op"})

	coordinatorAnomalyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consensuscommit_coordinator_anomalies_total",
		Help: "Transactions reported COMMITTED by the coordinator after a failed prepare",
	})
)

func init() {
	prometheus.MustRegister(commitCounter, advisoryFailureCounter, coordinatorAnomalyCounter)
}

const outcomeCommitted = "committed"
