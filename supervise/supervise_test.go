package supervise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/notarize/errs"
)

func TestTaskResult(t *testing.T) {
	g := New(context.Background(), nil)
	task := Go(g, "answer", func(context.Context) (int, error) { return 42, nil })

	v, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "answer", task.Name())
	require.NoError(t, g.Wait())
}

func TestFailureCancelsSiblings(t *testing.T) {
	g := New(context.Background(), nil)
	boom := errors.New("boom")

	blocked := Go(g, "blocked", func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, nil
	})
	failing := Go(g, "failing", func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	})

	_, err := failing.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBackgroundTask))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"failing"`)

	select {
	case <-blocked.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sibling task was not cancelled")
	}
	err = g.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestTaskWaitHonoursContext(t *testing.T) {
	g := New(context.Background(), nil)
	release := make(chan struct{})
	task := Go(g, "slow", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, g.Wait())
}
