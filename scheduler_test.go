package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSettleRunsInFIFOOrder(t *testing.T) {
	s := NewPipelineScheduler()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		err := s.Await(5, MainImportID, func(Value, *RpcError) { order = append(order, i) })
		require.Nil(t, err)
	}
	assert.Equal(t, 3, s.Pending(5))

	s.Settle(5, "done", nil)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, s.Pending(5))
}

func TestSchedulerDetectsDirectCycle(t *testing.T) {
	s := NewPipelineScheduler()
	// Import 1 depends on import 2.
	require.Nil(t, s.Await(2, 1, func(Value, *RpcError) {}))
	// Import 2 depends on import 1: cycle.
	err := s.Await(1, 2, func(Value, *RpcError) {})
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestSchedulerDetectsTransitiveCycle(t *testing.T) {
	s := NewPipelineScheduler()
	require.Nil(t, s.Await(2, 1, func(Value, *RpcError) {}))
	require.Nil(t, s.Await(3, 2, func(Value, *RpcError) {}))
	err := s.Await(1, 3, func(Value, *RpcError) {})
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestSchedulerNoCycleForIndependentChains(t *testing.T) {
	s := NewPipelineScheduler()
	require.Nil(t, s.Await(2, 1, func(Value, *RpcError) {}))
	require.Nil(t, s.Await(4, 3, func(Value, *RpcError) {}))
	assert.Nil(t, s.Await(3, 2, func(Value, *RpcError) {}))
}

func TestSchedulerPropagatesError(t *testing.T) {
	s := NewPipelineScheduler()
	var gotErr *RpcError
	require.Nil(t, s.Await(7, MainImportID, func(_ Value, err *RpcError) { gotErr = err }))

	want := errNotFound("missing")
	s.Settle(7, nil, want)
	assert.Equal(t, want, gotErr)
}
