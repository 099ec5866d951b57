// Package metrics はPrometheus形式のメトリクスを提供します
package metrics

import (
	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signaling"

// ルーム削除理由
const (
	DeleteReasonEmpty   = "empty"
	DeleteReasonExpired = "expired"
)

// Metrics はシグナリングサーバーのカウンター群です
// nilのレシーバーでも呼び出せるため、メトリクス無効時はnilを渡せます
type Metrics struct {
	messages     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	sendFailures prometheus.Counter
	rateLimited  prometheus.Counter
	roomsCreated prometheus.Counter
	roomsDeleted *prometheus.CounterVec
}

// New はメトリクスを作成してregに登録します
// statusはアクティブなルーム数・接続数のゲージに使用されます
func New(reg prometheus.Registerer, status func() models.Status) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages enqueued by type.",
		}, []string{"type"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages that could not be enqueued.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages dropped by the per-connection rate limit.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		roomsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_deleted_total",
			Help:      "Rooms deleted by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.messages, m.deliveries, m.sendFailures, m.rateLimited, m.roomsCreated, m.roomsDeleted)

	if status != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_rooms",
				Help:      "Rooms currently in the directory.",
			}, func() float64 { return float64(status().ActiveRooms) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Connections currently registered.",
			}, func() float64 { return float64(status().ActivePeers) }),
		)
	}
	return m
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) RoomsDeleted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.roomsDeleted.WithLabelValues(reason).Add(float64(n))
}
