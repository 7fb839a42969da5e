package bootstrap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIdleEvictor_FiresAfterContinuousIdleWindow(t *testing.T) {
	var active int32 = 0
	var locks int32 = 0
	var shutdownCalls int32

	e := NewIdleEvictor(
		300*time.Millisecond,
		func() int { return int(atomic.LoadInt32(&active)) },
		func() int { return int(atomic.LoadInt32(&locks)) },
		func() { atomic.AddInt32(&shutdownCalls, 1) },
		zerolog.Nop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Run(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdownCalls))
}

func TestIdleEvictor_NeverFiresWhileActive(t *testing.T) {
	var active int32 = 1
	var shutdownCalls int32

	e := NewIdleEvictor(
		300*time.Millisecond,
		func() int { return int(atomic.LoadInt32(&active)) },
		func() int { return 0 },
		func() { atomic.AddInt32(&shutdownCalls, 1) },
		zerolog.Nop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	// active never dropped to zero, so eviction should never fire within
	// the test's lifetime; Run returns only because ctx expired.
	assert.Equal(t, int32(0), atomic.LoadInt32(&shutdownCalls))
}

func TestIdleEvictor_DisabledWhenWindowNonPositive(t *testing.T) {
	e := NewIdleEvictor(0, func() int { return 0 }, func() int { return 0 }, func() {
		t.Fatal("shutdown should never be called when eviction is disabled")
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e.Run(ctx)
}
