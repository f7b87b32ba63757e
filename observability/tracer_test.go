package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetupTracing_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(TracingConfig{Enabled: true, ServiceName: "portrait-test", Writer: &buf})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}

	_, span := StartSpan(context.Background(), "gateway.generate")
	EndSpan(span, errors.New("upstream failed"))

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "gateway.generate") {
		t.Errorf("exported spans = %q, want gateway.generate", buf.String())
	}
}
