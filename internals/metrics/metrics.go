package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms
	RoomTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callroom_room_transitions_total",
		Help: "Room status transitions by target status",
	}, []string{"status"})

	RoomsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callroom_rooms_created_total",
		Help: "Rooms created, by appointment kind",
	}, []string{"kind"})

	RoomsReactivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callroom_rooms_reactivated_total",
		Help: "Ended rooms reopened for their appointment",
	})

	// Presence
	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callroom_active_participants",
		Help: "Participants currently present in a room",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callroom_active_rooms",
		Help: "Rooms with at least one participant present",
	})

	SweepRemovalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callroom_presence_sweep_removals_total",
		Help: "Presence entries removed because their connection was gone",
	})

	// Signaling
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callroom_ws_connections",
		Help: "Open signaling connections",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callroom_signaling_messages_total",
		Help: "Inbound signaling messages by type",
	}, []string{"type"})

	SignalingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callroom_signaling_errors_total",
		Help: "Error events sent back to connections, by reason",
	}, []string{"reason"})

	// Storage
	StoreLatencyMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callroom_store_latency_ms",
		Help:    "Room store operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250},
	}, []string{"driver", "op"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callroom_store_errors_total",
		Help: "Room store errors other than not-found",
	}, []string{"driver", "op"})
)

func RecordTransition(status string) {
	RoomTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordSignal(msgType string) {
	SignalingMessagesTotal.WithLabelValues(msgType).Inc()
}

func RecordSignalError(reason string) {
	SignalingErrorsTotal.WithLabelValues(reason).Inc()
}

// ObserveStore records latency since start and counts err when it is non-nil
// and not a plain miss.
func ObserveStore(driver, op string, start time.Time, err error, miss bool) {
	StoreLatencyMs.WithLabelValues(driver, op).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil && !miss {
		StoreErrorsTotal.WithLabelValues(driver, op).Inc()
	}
}

// SetPresence publishes registry totals.
func SetPresence(rooms, participants int) {
	ActiveRooms.Set(float64(rooms))
	ActiveParticipants.Set(float64(participants))
}
