package natskv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaseLocker(t *testing.T, js jetstream.JetStream) *LeaseLocker {
	t.Helper()
	locker, err := NewLeaseLocker(context.Background(), js, LeaseOptions{Bucket: "locks_test", TTL: time.Minute})
	require.NoError(t, err)
	locker.pollInterval = time.Millisecond
	return locker
}

func TestLeaseLockerExcludesAcrossReplicas(t *testing.T) {
	js := startJetStream(t)
	replicaA := newLeaseLocker(t, js)
	replicaB := newLeaseLocker(t, js)

	release, err := replicaA.Lock(context.Background(), "session:c1:s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = replicaB.Lock(ctx, "session:c1:s1")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "expected second replica to wait, got %v", err)

	other, err := replicaB.Lock(context.Background(), "session:c1:s2")
	require.NoError(t, err, "different sessions must not contend")
	other()

	release()
	releaseB, err := replicaB.Lock(context.Background(), "session:c1:s1")
	require.NoError(t, err)
	releaseB()
}

func TestLeaseLockerSerializesConcurrentHolders(t *testing.T) {
	js := startJetStream(t)
	lockers := []*LeaseLocker{newLeaseLocker(t, js), newLeaseLocker(t, js)}

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(locker *LeaseLocker) {
			defer wg.Done()
			release, err := locker.Lock(context.Background(), "session:c1:s1")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			defer release()

			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}(lockers[i%len(lockers)])
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	locker := newLeaseLocker(t, startJetStream(t))

	release, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	again, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}
