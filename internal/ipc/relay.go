package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/poppobuilder/poppod/internal/eventbus"
	"github.com/poppobuilder/poppod/internal/logfields"
)

// NATSRelay mirrors daemon events onto a NATS subject for an operator-run
// dashboard that prefers pub/sub over the IPC event channel. Connection
// failures are non-fatal: the relay logs a warning and becomes a no-op,
// mirroring the teacher's NATSClient reconnect-on-first-use idiom.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	bus     *eventbus.Bus

	connected atomic.Bool
	unsub     func()
}

// NewNATSRelay connects (best-effort) to url and prepares to publish the
// event types Start subscribes to under subjectPrefix.<event-name>.
func NewNATSRelay(url, subjectPrefix string, bus *eventbus.Bus) *NATSRelay {
	r := &NATSRelay{subject: subjectPrefix, bus: bus}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			r.connected.Store(false)
			if err != nil {
				slog.Warn("nats relay disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.connected.Store(true)
			slog.Info("nats relay reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		slog.Warn("nats relay: initial connection failed, events will not be mirrored",
			"url", url, logfields.Error(err))
		return r
	}
	r.conn = conn
	r.connected.Store(true)
	return r
}

// Start subscribes to ProjectRegistered, TaskEnqueued, TaskDispatched,
// TaskCompleted, RateLimitExhausted, EmergencyStopTriggered and
// ProjectHealthChanged and republishes each to NATS. ProjectRemoved,
// ProjectUpdated, EmergencyStopCleared and SessionInvalidated are not relayed.
func (r *NATSRelay) Start(ctx context.Context) {
	if r.conn == nil || r.bus == nil {
		return
	}

	pr, unsubPr := eventbus.Subscribe[eventbus.ProjectRegistered](r.bus, 16)
	te, unsubTe := eventbus.Subscribe[eventbus.TaskEnqueued](r.bus, 64)
	td, unsubTd := eventbus.Subscribe[eventbus.TaskDispatched](r.bus, 64)
	tc, unsubTc := eventbus.Subscribe[eventbus.TaskCompleted](r.bus, 64)
	rl, unsubRl := eventbus.Subscribe[eventbus.RateLimitExhausted](r.bus, 16)
	es, unsubEs := eventbus.Subscribe[eventbus.EmergencyStopTriggered](r.bus, 16)
	hc, unsubHc := eventbus.Subscribe[eventbus.ProjectHealthChanged](r.bus, 16)

	r.unsub = func() {
		unsubPr()
		unsubTe()
		unsubTd()
		unsubTc()
		unsubRl()
		unsubEs()
		unsubHc()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-pr:
				if !ok {
					return
				}
				r.publish("project-registered", e)
			case e, ok := <-te:
				if !ok {
					return
				}
				r.publish("task-enqueued", e)
			case e, ok := <-td:
				if !ok {
					return
				}
				r.publish("task-dispatched", e)
			case e, ok := <-tc:
				if !ok {
					return
				}
				r.publish("task-completed", e)
			case e, ok := <-rl:
				if !ok {
					return
				}
				r.publish("rate-limit-exhausted", e)
			case e, ok := <-es:
				if !ok {
					return
				}
				r.publish("emergency-stop", e)
			case e, ok := <-hc:
				if !ok {
					return
				}
				r.publish("project-health-changed", e)
			}
		}
	}()
}

func (r *NATSRelay) publish(name string, payload any) {
	if r.conn == nil || !r.connected.Load() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = r.conn.Publish(r.subject+"."+name, data)
}

// Stop unsubscribes from the event bus and closes the NATS connection.
func (r *NATSRelay) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
