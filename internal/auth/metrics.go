package auth

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for flow metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics counts flow outcomes by failure code. A nil *Metrics records nothing.
type Metrics struct {
	logins           *prometheus.CounterVec
	lockouts         prometheus.Counter
	logouts          *prometheus.CounterVec
	recoveryRequests *prometheus.CounterVec
	passwordResets   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "logins_total",
			Help:      "Login attempts partitioned by outcome and failure code.",
		}, []string{"outcome", "code"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "lockouts_total",
			Help:      "Temporary lockouts triggered by consecutive login failures.",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "logouts_total",
			Help:      "Logout calls partitioned by scope and outcome.",
		}, []string{"scope", "outcome"}),
		recoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "recovery_requests_total",
			Help:      "Password recovery requests partitioned by outcome and failure code.",
		}, []string{"outcome", "code"}),
		passwordResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "password_resets_total",
			Help:      "Password reset attempts partitioned by outcome and failure code.",
		}, []string{"outcome", "code"}),
	}

	for _, c := range []prometheus.Collector{m.logins, m.lockouts, m.logouts, m.recoveryRequests, m.passwordResets} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register auth metrics: %w", err)
		}
	}
	return m, nil
}

func outcomeOf(err error) (string, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	typed, _ := AsError(err)
	return OutcomeFailure, string(typed.Code)
}

func (m *Metrics) observeLogin(err error) {
	if m == nil {
		return
	}
	outcome, code := outcomeOf(err)
	m.logins.WithLabelValues(outcome, code).Inc()
}

func (m *Metrics) observeLockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) observeLogout(scope LogoutScope, err error) {
	if m == nil {
		return
	}
	outcome, _ := outcomeOf(err)
	m.logouts.WithLabelValues(string(scope), outcome).Inc()
}

func (m *Metrics) observeRecoveryRequest(err error) {
	if m == nil {
		return
	}
	outcome, code := outcomeOf(err)
	m.recoveryRequests.WithLabelValues(outcome, code).Inc()
}

func (m *Metrics) observePasswordReset(err error) {
	if m == nil {
		return
	}
	outcome, code := outcomeOf(err)
	m.passwordResets.WithLabelValues(outcome, code).Inc()
}
