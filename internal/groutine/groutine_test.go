package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCarriesName(t *testing.T) {
	names := make(chan string, 1)
	labels := make(chan string, 1)

	Go(nil, "worker-42", func(ctx context.Context) { //nolint:staticcheck
		names <- Name(ctx)
		v, _ := pprof.Label(ctx, "goroutine_name")
		labels <- v
	})

	select {
	case n := <-names:
		assert.Equal(t, "worker-42", n)
		assert.Equal(t, "worker-42", <-labels)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestNameWithoutGoroutine(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil)) //nolint:staticcheck
}

func TestGroupWaitsForMembers(t *testing.T) {
	var g Group
	release := make(chan struct{})
	started := make(chan struct{}, 3)

	for _, name := range []string{"link-b", "link-a", "link-a"} {
		g.Go(context.Background(), name, func(ctx context.Context) {
			started <- struct{}{}
			<-release
		})
	}
	for i := 0; i < 3; i++ {
		<-started
	}
	assert.Equal(t, []string{"link-a", "link-b"}, g.Running())

	waited := make(chan struct{})
	go func() {
		g.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while members were running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		require.FailNow(t, "Wait did not return")
	}
	assert.Empty(t, g.Running())
}
