package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentchat/internal/graph"
)

type scriptedInvoker struct {
	calls     int
	responses []func() (*graph.Generation, error)
}

func (s *scriptedInvoker) Generate(ctx context.Context, req graph.GenerationRequest) (*graph.Generation, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx]()
}

func ok(text string) func() (*graph.Generation, error) {
	return func() (*graph.Generation, error) {
		return &graph.Generation{Text: text, TokensUsed: 10}, nil
	}
}

func fail(err error) func() (*graph.Generation, error) {
	return func() (*graph.Generation, error) { return nil, err }
}

func TestResilientRetriesTransientFailure(t *testing.T) {
	inner := &scriptedInvoker{responses: []func() (*graph.Generation, error){
		fail(&StatusError{Code: 503, Message: "overloaded"}),
		fail(errors.New("connection reset")),
		ok("hello"),
	}}
	inv := NewResilientInvoker(inner, ResilientOptions{MaxRetries: 3, BaseDelay: time.Millisecond})

	gen, err := inv.Generate(context.Background(), graph.GenerationRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", gen.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientDoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{400, 401, 403} {
		inner := &scriptedInvoker{responses: []func() (*graph.Generation, error){
			fail(&StatusError{Code: code, Message: "client error"}),
			ok("should never be reached"),
		}}
		inv := NewResilientInvoker(inner, ResilientOptions{MaxRetries: 3, BaseDelay: time.Millisecond})

		_, err := inv.Generate(context.Background(), graph.GenerationRequest{Model: "m"})
		require.Error(t, err, "code %d", code)
		assert.Equal(t, 1, inner.calls, "code %d must not be retried", code)
		assert.Equal(t, code, StatusCode(err))
	}
}

func TestResilientExhaustsRetries(t *testing.T) {
	inner := &scriptedInvoker{responses: []func() (*graph.Generation, error){
		fail(&StatusError{Code: 503, Message: "overloaded"}),
	}}
	inv := NewResilientInvoker(inner, ResilientOptions{MaxRetries: 2, BaseDelay: time.Millisecond})

	_, err := inv.Generate(context.Background(), graph.GenerationRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls) // first attempt + 2 retries
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, Retryable(&StatusError{Code: 400}))
	assert.False(t, Retryable(&StatusError{Code: 401}))
	assert.False(t, Retryable(&StatusError{Code: 403}))
	assert.True(t, Retryable(&StatusError{Code: 429}))
	assert.True(t, Retryable(&StatusError{Code: 500}))
	assert.True(t, Retryable(errors.New("no status at all")))
}
