package buildctx

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_DistinctContextsDoNotShareLogDestination(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	parent := zerolog.New(io.Discard)

	c1 := New(parent, "req-1", false, &buf1)
	c2 := New(parent, "req-2", false, &buf2)

	c1.Log.Info().Msg("hello from one")
	c2.Log.Info().Msg("hello from two")

	assert.Contains(t, buf1.String(), "hello from one")
	assert.NotContains(t, buf1.String(), "hello from two")
	assert.Contains(t, buf2.String(), "hello from two")
	assert.NotContains(t, buf2.String(), "hello from one")
}

func TestNew_VerboseRaisesLogLevel(t *testing.T) {
	var buf bytes.Buffer
	c := New(zerolog.New(io.Discard), "req-3", true, &buf)
	c.Log.Debug().Msg("debug detail")
	assert.Contains(t, buf.String(), "debug detail")
}

func TestCapture_InterleavedContextsStayIsolated(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	c1 := New(zerolog.New(io.Discard), "req-a", false, &buf1)
	c2 := New(zerolog.New(io.Discard), "req-b", false, &buf2)

	work1 := Capture(c1, func(c *Context) { c.Log.Info().Msg("task one") })
	work2 := Capture(c2, func(c *Context) { c.Log.Info().Msg("task two") })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); work1() }()
	go func() { defer wg.Done(); work2() }()
	wg.Wait()

	assert.Contains(t, buf1.String(), "task one")
	assert.NotContains(t, buf1.String(), "task two")
	assert.Contains(t, buf2.String(), "task two")
	assert.NotContains(t, buf2.String(), "task one")
}
