package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

func TestPublisherLatestBeforeFirstSample(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	_, ok := p.Latest()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), p.Published())
}

func TestPublisherLatest(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	p.Publish(motion.State{Cycle: 1})
	p.Publish(motion.State{Cycle: 2})

	st, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), st.Cycle)
	assert.Equal(t, uint64(2), p.Published())
}

// A slow transmitter never blocks publishing and always receives the
// newest sample when it catches up.
func TestPublisherOutboxLatestWins(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	p.Publish(motion.State{Cycle: 1})
	p.Publish(motion.State{Cycle: 2})
	p.Publish(motion.State{Cycle: 3})

	select {
	case st := <-p.Outbox():
		assert.Equal(t, uint64(3), st.Cycle)
	default:
		t.Fatal("outbox empty after publishing")
	}

	select {
	case st := <-p.Outbox():
		t.Fatalf("unexpected extra sample cycle %d", st.Cycle)
	default:
	}
}

func TestPublisherOutboxKeepsUp(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	for i := uint64(1); i <= 5; i++ {
		p.Publish(motion.State{Cycle: i})
		st := <-p.Outbox()
		assert.Equal(t, i, st.Cycle)
	}
	assert.Equal(t, uint64(5), p.Published())
}
