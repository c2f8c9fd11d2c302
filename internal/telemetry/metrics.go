package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LobbyMetrics implements the lobby package's Metrics interface. The zero
// value is inert, so callers never branch on telemetry being enabled.
type LobbyMetrics struct {
	roomsActive       metric.Int64UpDownCounter
	connectionsActive metric.Int64UpDownCounter
	provisionTotal    metric.Int64Counter
	provisionDuration metric.Float64Histogram
}

func newLobbyMetrics(meter metric.Meter) (*LobbyMetrics, error) {
	m := &LobbyMetrics{}
	var err error
	if m.roomsActive, err = meter.Int64UpDownCounter("lobby.rooms.active",
		metric.WithDescription("Rooms currently registered")); err != nil {
		return nil, err
	}
	if m.connectionsActive, err = meter.Int64UpDownCounter("lobby.connections.active",
		metric.WithDescription("Live websocket connections across all rooms")); err != nil {
		return nil, err
	}
	if m.provisionTotal, err = meter.Int64Counter("lobby.provision.total",
		metric.WithDescription("Game-server provisioning attempts by outcome")); err != nil {
		return nil, err
	}
	if m.provisionDuration, err = meter.Float64Histogram("lobby.provision.duration",
		metric.WithDescription("Seconds from start command to provisioning outcome"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LobbyMetrics) RoomOpened() {
	if m.roomsActive != nil {
		m.roomsActive.Add(context.Background(), 1)
	}
}

func (m *LobbyMetrics) RoomClosed() {
	if m.roomsActive != nil {
		m.roomsActive.Add(context.Background(), -1)
	}
}

func (m *LobbyMetrics) ConnOpened() {
	if m.connectionsActive != nil {
		m.connectionsActive.Add(context.Background(), 1)
	}
}

func (m *LobbyMetrics) ConnClosed() {
	if m.connectionsActive != nil {
		m.connectionsActive.Add(context.Background(), -1)
	}
}

func (m *LobbyMetrics) ProvisionResult(outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.provisionTotal != nil {
		m.provisionTotal.Add(context.Background(), 1, attrs)
	}
	if m.provisionDuration != nil {
		m.provisionDuration.Record(context.Background(), d.Seconds(), attrs)
	}
}
