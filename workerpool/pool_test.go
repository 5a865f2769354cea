// Copyright 2024 The Zlomek FS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroCeiling(t *testing.T) {
	pool, err := New(0, 0, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
	require.Nil(t, pool)
}

func TestSubmitRunsTask(t *testing.T) {
	pool, err := New(1, 2, 4)
	require.NoError(t, err)
	defer pool.Stop(time.Second)

	var ran int32
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, pool.Submit(func() {
		atomic.StoreInt32(&ran, 1)
		wg.Done()
	}))
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPoolGrowsUpToCeiling(t *testing.T) {
	pool, err := New(0, 0, 3)
	require.NoError(t, err)
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			wg.Done()
			<-release
		}))
	}
	// a fourth submission fails: the ceiling is reached and no worker will
	// free up until release is closed.
	require.Error(t, pool.Submit(func() {}))
	close(release)
	wg.Wait()
}

func TestRebalanceRetiresExcessIdleWorkers(t *testing.T) {
	pool, err := New(0, 1, 5)
	require.NoError(t, err)
	defer pool.Stop(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() { wg.Done() }))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		idle, busy := pool.Occupancy()
		return idle <= 1 && busy == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitAfterStopFails(t *testing.T) {
	pool, err := New(1, 1, 2)
	require.NoError(t, err)
	pool.Stop(time.Second)
	require.ErrorIs(t, pool.Submit(func() {}), ErrStopped)
}

func TestStopDrainsBusyWorkersWithinGracePeriod(t *testing.T) {
	pool, err := New(1, 1, 2)
	require.NoError(t, err)

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
	}))
	<-started
	pool.Stop(time.Second)

	select {
	case <-finished:
	default:
		t.Fatal("expected busy task to complete before Stop returned")
	}
}
