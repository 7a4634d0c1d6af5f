package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"deskline/internal/fabric"
)

// registerStreams wires the notification fabric to SSE endpoints. Agent
// streams are scoped to one customer context and replay held events on
// attach; the supervisor stream is a broadcast of the escalation queue.
func registerStreams(api huma.API, bus *fabric.Bus) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-agent",
		Method:      http.MethodGet,
		Path:        "/stream/agent/{customer_context}",
		Summary:     "Agent notification stream",
		Description: "Resolutions and timeouts for one customer context. Events buffered while no stream was attached are replayed first.",
	}, map[string]any{
		"event": fabric.Event{},
	}, func(ctx context.Context, input *struct {
		CustomerContext string `path:"customer_context"`
	}, send sse.Sender) {
		sub := bus.Subscribe(fabric.AudienceAgent, input.CustomerContext)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					// Evicted for falling behind; client reconnects.
					return
				}
				if err := send.Data(evt); err != nil {
					return
				}
			}
		}
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-supervisor",
		Method:      http.MethodGet,
		Path:        "/stream/supervisor",
		Summary:     "Supervisor notification stream",
		Description: "New escalations and timeouts, broadcast to every attached supervisor.",
	}, map[string]any{
		"event": fabric.Event{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sub := bus.Subscribe(fabric.AudienceSupervisor, "")
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send.Data(evt); err != nil {
					return
				}
			}
		}
	})
}
