package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRecordingInstrumentation returns instrumentation whose spans land in a SpanRecorder
func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:       true,
		SpanProcessor: recorder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	RecordError(span, errors.New("test error"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("RecordError() did not add an exception event")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestSetSpanError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	SetSpanError(span, "boom")
	span.End()

	status := recorder.Ended()[0].Status()
	if status.Code != codes.Error || status.Description != "boom" {
		t.Errorf("status = %+v, want Error/boom", status)
	}
}

func TestAddOAuthFlowAttributes(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	AddOAuthFlowAttributes(span, "test-client", "", "mcp:tools:read")
	AddPKCEAttributes(span, "S256")
	AddPKCEAttributes(span, "")
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	if v, ok := attrValue(attrs, AttrClientID); !ok || v.AsString() != "test-client" {
		t.Errorf("%s = %v, want test-client", AttrClientID, v)
	}
	if _, ok := attrValue(attrs, AttrUserID); ok {
		t.Errorf("%s set for empty user", AttrUserID)
	}
	if v, ok := attrValue(attrs, AttrPKCEMethod); !ok || v.AsString() != "S256" {
		t.Errorf("%s = %v, want S256", AttrPKCEMethod, v)
	}
}

func TestSpanNesting(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	ctx, parent := inst.Tracer("http").Start(context.Background(), "http.request")
	AddHTTPAttributes(parent, "POST", "/oauth/token", 200)

	_, child := inst.Tracer("storage").Start(ctx, "storage.consume_authorization_code")
	AddStorageAttributes(child, "consume_authorization_code", "memory")
	child.End()
	parent.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(ended))
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("child span is not parented to the request span")
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	for _, want := range []bool{true, false} {
		inst, err := New(Config{Enabled: true, LogClientIPs: want})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := inst.ShouldLogClientIPs(); got != want {
			t.Errorf("ShouldLogClientIPs() = %v, want %v", got, want)
		}
		_ = inst.Shutdown(context.Background())
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}
