package progressview

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPlain_RendersOneLinePerUpdateUntilClosed(t *testing.T) {
	updates := make(chan Update, 4)
	updates <- Update{Name: "avr-gcc", State: StateRunning, Detail: "downloading", Pct: 40}
	updates <- Update{Name: "avr-gcc", State: StateDone, Detail: "installed", Pct: 100}
	updates <- Update{Name: "main.cpp", State: StateDone, Detail: "", Pct: -1}
	close(updates)

	var buf bytes.Buffer
	err := runPlain(context.Background(), &buf, updates)
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "\n"))
	assert.Contains(t, out, "avr-gcc")
	assert.Contains(t, out, "downloading")
	assert.Contains(t, out, "main.cpp")
}

func TestRunPlain_StopsOnContextCancellation(t *testing.T) {
	updates := make(chan Update)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := runPlain(ctx, &buf, updates)
	assert.Error(t, err)
}

func TestItemState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateSkipped.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestFormatSize_HumanReadable(t *testing.T) {
	assert.Equal(t, "1.0 kB", FormatSize(1000))
}

func TestModel_AppliesUpdatesAndTracksCompletion(t *testing.T) {
	m := newModel(nil)
	m.apply(Update{Name: "uno", State: StateRunning, Detail: "compiling", Pct: 10})
	m.apply(Update{Name: "uno", State: StateDone, Detail: "done", Pct: 100})
	m.apply(Update{Name: "nano", State: StateFailed, Detail: "link error", Pct: -1})

	require.Len(t, m.order, 2)
	assert.Equal(t, StateDone, m.items["uno"].state)
	assert.Equal(t, StateFailed, m.items["nano"].state)

	view := m.View()
	assert.Contains(t, view, "uno")
	assert.Contains(t, view, "nano")
	assert.Contains(t, view, "2/2 complete")
}

func TestModel_UpdateMsgClosesOnChannelClose(t *testing.T) {
	m := newModel(nil)
	next, cmd := m.Update(updateMsg{ok: false})
	nm := next.(model)
	assert.True(t, nm.closed)
	assert.NotNil(t, cmd) // tea.Quit
}

func TestRunTea_ExitsWhenChannelClosesImmediately(t *testing.T) {
	updates := make(chan Update)
	close(updates)

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer devNull.Close()

	done := make(chan error, 1)
	go func() {
		done <- runTea(context.Background(), devNull, updates, strings.NewReader(""))
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runTea did not exit after the update channel closed")
	}
}
