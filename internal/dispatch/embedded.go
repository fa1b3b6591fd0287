package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/tools"
	"github.com/agentfront/enclave/pkg/wire"
)

// Embedded answers tool calls from the in-process registry.
type Embedded struct {
	registry       *tools.Registry
	maxResultBytes int64
	tracer         *observability.Tracer
}

// EmbeddedConfig configures an embedded dispatcher.
type EmbeddedConfig struct {
	Registry *tools.Registry

	// MaxResultBytes caps the serialized tool result. 0 means
	// DefaultMaxResultBytes; negative means unlimited.
	MaxResultBytes int64

	Tracer *observability.Tracer
}

// NewEmbedded creates a dispatcher over the given registry.
func NewEmbedded(cfg EmbeddedConfig) *Embedded {
	maxBytes := cfg.MaxResultBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxResultBytes
	}
	return &Embedded{
		registry:       cfg.Registry,
		maxResultBytes: maxBytes,
		tracer:         cfg.Tracer,
	}
}

// Dispatch validates, resolves secrets, and invokes the handler via the
// registry, then applies the result size cap.
func (d *Embedded) Dispatch(ctx context.Context, call Call) (value any, err error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceToolDispatch(ctx, call.SessionID, call.CallID, call.Tool)
		defer func() {
			d.tracer.RecordError(span, err)
			span.End()
		}()
	}

	exec := d.registry.Execute(ctx, call.Tool, call.Args, &tools.CallContext{
		SessionID: call.SessionID,
		CallID:    call.CallID,
	})
	if !exec.OK {
		return nil, wire.NewError(exec.Error.Code, exec.Error.Message)
	}
	if err := checkResultSize(call.Tool, exec.Value, d.maxResultBytes); err != nil {
		return nil, err
	}
	return exec.Value, nil
}
