package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanLifecycle(t *testing.T) {
	// without Init the spans are no-ops and still must not panic
	ctx, span := StartSpan(context.Background(), "test.op")
	assert.NotNil(t, ctx)
	EndSpan(span, nil)

	_, span = StartSpan(context.Background(), "test.fail")
	EndSpan(span, errors.New("boom"))
}
