package account

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_auth_attempts_total",
		Help: "Authentication attempts by outcome code.",
	}, []string{"outcome"})

	lockouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_lockouts_total",
		Help: "Accounts locked after reaching the failed login threshold.",
	})

	notificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_notification_failures_total",
		Help: "Notifications that could not be delivered, by template.",
	}, []string{"template"})
)

func observeAuth(err error) {
	outcome := "OK"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	authAttempts.WithLabelValues(outcome).Inc()
}
