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

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		NodeName:   "alice",
		MountPoint: "/mnt/zfs",
		Volumes: []config.VolumeConfig{
			{Name: "vol0", LocalPath: "/srv/zfs/vol0"},
		},
		KernelPool:  config.WorkerPoolConfig{MinSpare: 1, MaxSpare: 4, MaxThreads: 8},
		NetworkPool: config.WorkerPoolConfig{MinSpare: 1, MaxSpare: 4, MaxThreads: 8},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, config.Rationalize(c))
	assert.NoError(t, config.Validate(c))
}

func TestValidateRejectsMissingNodeName(t *testing.T) {
	c := validConfig()
	c.NodeName = ""
	assert.Error(t, config.Validate(c))
}

func TestValidateRejectsNoVolumes(t *testing.T) {
	c := validConfig()
	c.Volumes = nil
	assert.Error(t, config.Validate(c))
}

func TestValidateRejectsDuplicateVolumeNames(t *testing.T) {
	c := validConfig()
	c.Volumes = append(c.Volumes, c.Volumes[0])
	assert.Error(t, config.Validate(c))
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	c := &config.Config{}
	err := config.Validate(c)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "node-name")
	assert.Contains(t, msg, "mount-point")
	assert.Contains(t, msg, "volume")
}

func TestRationalizeDefaultsMasterNodeToSelf(t *testing.T) {
	c := &config.Config{
		NodeName: "alice",
		Volumes:  []config.VolumeConfig{{Name: "vol0", LocalPath: "/srv/zfs/vol0"}},
	}
	require.NoError(t, config.Rationalize(c))
	assert.Equal(t, "alice", c.Volumes[0].MasterNode)
}

func TestValidatePoolRejectsInvertedSpareBounds(t *testing.T) {
	c := validConfig()
	c.KernelPool = config.WorkerPoolConfig{MinSpare: 8, MaxSpare: 2, MaxThreads: 8}
	assert.Error(t, config.Validate(c))
}
