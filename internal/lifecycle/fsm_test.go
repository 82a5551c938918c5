package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath(t *testing.T) {
	f := New(Hooks{}, nil)
	require.Equal(t, Created, f.State())

	require.NoError(t, f.Accept(context.Background(), Initialize))
	require.Equal(t, Paused, f.State())

	require.NoError(t, f.Accept(context.Background(), Start))
	require.Equal(t, Started, f.State())
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	f := New(Hooks{}, nil)
	err := f.Accept(context.Background(), Start)
	require.Error(t, err)
	var invalidErr *InvalidTransitionError
	assert.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, Created, f.State())
}

func TestSelfTransitionsAreIdempotent(t *testing.T) {
	f := New(Hooks{}, nil)
	require.NoError(t, f.Accept(context.Background(), Initialize))
	require.NoError(t, f.Accept(context.Background(), Initialize)) // already paused
	assert.Equal(t, Paused, f.State())
}

func TestStoppedIsTerminalAndIdempotent(t *testing.T) {
	f := New(Hooks{}, nil)
	require.NoError(t, f.Accept(context.Background(), Stop))
	require.Equal(t, Stopped, f.State())

	// R1: repeated stopped triggers from a terminal state are no-ops.
	require.NoError(t, f.Accept(context.Background(), Stop))
	assert.Equal(t, Stopped, f.State())
}

func TestHookFailureEscalatesToFailed(t *testing.T) {
	boom := assertErr("init blew up")
	f := New(Hooks{
		Initialize: func(ctx context.Context) error { return boom },
	}, nil)

	err := f.Accept(context.Background(), Initialize)
	require.Error(t, err)
	assert.Equal(t, boom, err)
	assert.Equal(t, Failed, f.State())
}

func TestCompletedAutoAdvancesToStopped(t *testing.T) {
	f := New(Hooks{}, nil)
	require.NoError(t, f.Accept(context.Background(), Initialize))
	require.NoError(t, f.Accept(context.Background(), Start))

	ch := f.Subscribe(8)
	require.NoError(t, f.Accept(context.Background(), Complete))
	assert.Equal(t, Completed, f.State())

	// completed is a Running state; the FSM auto-advances to stopped.
	select {
	case tr := <-ch: // completed transition itself
		assert.Equal(t, Completed, tr.To)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completed transition")
	}
	select {
	case tr := <-ch:
		assert.Equal(t, Stopped, tr.To)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto-stop transition")
	}
	assert.Equal(t, Stopped, f.State())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	f := New(Hooks{}, nil)
	ch := f.Subscribe(4)
	require.NoError(t, f.Accept(context.Background(), Initialize))

	select {
	case tr := <-ch:
		assert.Equal(t, Created, tr.From)
		assert.Equal(t, Paused, tr.To)
		assert.False(t, tr.Silent)
	case <-time.After(time.Second):
		t.Fatal("expected a transition notification")
	}
	f.Unsubscribe(ch)
}

func TestTriggerSilentlyDoesNotMarkTransitionAsPublished(t *testing.T) {
	f := New(Hooks{}, nil)
	ch := f.Subscribe(4)
	require.NoError(t, f.TriggerSilently(context.Background(), Initialize))

	select {
	case tr := <-ch:
		assert.True(t, tr.Silent)
	case <-time.After(time.Second):
		t.Fatal("expected a silent transition notification")
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
