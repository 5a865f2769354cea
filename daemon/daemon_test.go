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

package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/daemon"
	"github.com/zlomekfs/zfsd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{
		NodeName:    "alice",
		BindAddr:    "127.0.0.1:0",
		MountPoint:  "",
		AdminSocket: filepath.Join(dir, "admin.sock"),
		Volumes: []config.VolumeConfig{
			{Name: "vol0", LocalPath: dir, MasterNode: "alice"},
		},
		KernelPool:  config.WorkerPoolConfig{MinSpare: 1, MaxSpare: 2, MaxThreads: 4},
		NetworkPool: config.WorkerPoolConfig{MinSpare: 1, MaxSpare: 2, MaxThreads: 4},
	}
	require.NoError(t, config.Rationalize(c))
	require.NoError(t, config.Validate(c))
	return c
}

func TestNewBuildsGraphWithConfiguredVolume(t *testing.T) {
	c := testConfig(t)
	d, err := daemon.New(c)
	require.NoError(t, err)
	defer d.Close()

	_, ok := d.Graph.VolumeByID(1)
	assert.True(t, ok)
}

func TestRunServesAdminSocketUntilCancelled(t *testing.T) {
	c := testConfig(t)
	d, err := daemon.New(c)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := daemon.AdminRequest(c.AdminSocket, "get-facility")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := daemon.AdminRequest(c.AdminSocket, "get-facility")
	require.NoError(t, err)
	assert.Equal(t, "all", reply)

	reply, err = daemon.AdminRequest(c.AdminSocket, "set-facility net,cache")
	require.NoError(t, err)
	assert.Equal(t, "net,cache", reply)

	cancel()
	require.NoError(t, <-done)
}

func TestPingUnknownPeerFails(t *testing.T) {
	c := testConfig(t)
	d, err := daemon.New(c)
	require.NoError(t, err)
	defer d.Close()

	err = d.Ping(context.Background(), "nobody")
	assert.Error(t, err)
}
