// Package metrics exports bridge state as Prometheus metrics. It is fed
// by the broadcast stream and by the auto-connect scheduler.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/baresipbridge/internal/bridge/autoconnect"
	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

const namespace = "baresip"

// Metrics holds the bridge collectors.
type Metrics struct {
	accountRegistered *prometheus.GaugeVec
	callActive        *prometheus.GaugeVec
	tcpConnected      prometheus.Gauge
	eventsTotal       *prometheus.CounterVec
	lastEvent         prometheus.Gauge
	contactOnline     *prometheus.GaugeVec

	autoConnectAttempts *prometheus.CounterVec
	autoConnectSuccess  *prometheus.CounterVec
	autoConnectFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		accountRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_registered",
			Help:      "Whether the account is registered (1) or not (0)",
		}, []string{"account"}),

		callActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_active",
			Help:      "Whether the account has a ringing or established call",
		}, []string{"account"}),

		tcpConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connected",
			Help:      "Whether the control socket is connected",
		}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Broadcast events by type",
		}, []string{"type"}),

		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_event_timestamp_seconds",
			Help:      "Unix time of the last broadcast event",
		}),

		contactOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contact_online",
			Help:      "Whether the contact's presence is online",
		}, []string{"contact"}),

		autoConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoconnect_attempts_total",
			Help:      "Auto-connect sequences started",
		}, []string{"contact"}),

		autoConnectSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoconnect_success_total",
			Help:      "Auto-connect calls that were established",
		}, []string{"contact"}),

		autoConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoconnect_failures_total",
			Help:      "Auto-connect calls that closed before being established",
		}, []string{"contact"}),
	}

	for _, c := range []prometheus.Collector{
		m.accountRegistered, m.callActive, m.tcpConnected, m.eventsTotal, m.lastEvent,
		m.contactOnline, m.autoConnectAttempts, m.autoConnectSuccess, m.autoConnectFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Publish implements events.Sink.
func (m *Metrics) Publish(ev events.Event) {
	m.eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	m.lastEvent.Set(float64(ev.Timestamp.UnixNano()) / 1e9)

	switch ev.Type {
	case events.TypeAccountStatus:
		if ev.Account != nil {
			m.accountRegistered.WithLabelValues(ev.Account.URI).Set(boolGauge(ev.Account.Registered))
			m.callActive.WithLabelValues(ev.Account.URI).Set(boolGauge(!ev.Account.Idle()))
		}
	case events.TypeBaresipStatus:
		if ev.Connection != nil {
			m.tcpConnected.Set(boolGauge(ev.Connection.Connected))
		}
	case events.TypePresence:
		m.contactOnline.WithLabelValues(ev.Contact).Set(boolGauge(ev.Status == string(model.PresenceOnline)))
	case events.TypeContactsUpdate:
		for _, c := range ev.Contacts {
			m.contactOnline.WithLabelValues(c.URI).Set(boolGauge(c.Presence == model.PresenceOnline))
		}
	case events.TypeAutoConnectStatus:
		switch model.ConnectStatus(ev.Status) {
		case model.ConnectConnected:
			m.autoConnectSuccess.WithLabelValues(ev.Contact).Inc()
		case model.ConnectFailed:
			m.autoConnectFailures.WithLabelValues(ev.Contact).Inc()
		}
	}
}

// Executed implements autoconnect.Observer.
func (m *Metrics) Executed(action autoconnect.Action, account, target string) {
	if action == autoconnect.ActionAutoConnect {
		m.autoConnectAttempts.WithLabelValues(target).Inc()
	}
}

// Dropped implements autoconnect.Observer.
func (m *Metrics) Dropped(action autoconnect.Action, account, target, reason string) {
	slog.Debug("[Metrics] Scheduler entry dropped", "action", action.String(), "account", account, "reason", reason)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
