package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestNewPipelineTracer(t *testing.T) {
	tr := NewPipelineTracer()
	if tr == nil {
		t.Fatal("NewPipelineTracer returned nil")
	}
}

func TestPipelineTracer_StartRequest(t *testing.T) {
	tr := NewPipelineTracer()

	ctx, finish := tr.StartRequest(context.Background())
	if ctx == nil {
		t.Fatal("StartRequest returned nil context")
	}

	// Should not panic on either success or error paths.
	finish(nil)
}

func TestPipelineTracer_StartRequest_Error(t *testing.T) {
	tr := NewPipelineTracer()

	ctx, finish := tr.StartRequest(context.Background())
	finish(errors.New("boom"))
	_ = ctx
}

func TestPipelineTracer_Annotate(t *testing.T) {
	tr := NewPipelineTracer()

	ctx, finish := tr.StartRequest(context.Background())
	defer finish(nil)

	// Should not panic.
	tr.Annotate(ctx, "pkg.Service", "Method")
}

func TestPipelineTracer_Phase(t *testing.T) {
	tr := NewPipelineTracer()

	ctx, finish := tr.StartRequest(context.Background())
	defer finish(nil)

	for _, phase := range []string{"received", "classified", "key_derived", "cache_hit", "forwarding", "classifying", "storing", "done"} {
		tr.Phase(ctx, phase)
	}
}
