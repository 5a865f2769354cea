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

// Package config is SPEC_FULL.md's "Configuration" ambient-stack section:
// a struct bound via github.com/spf13/viper and github.com/spf13/pflag the
// way the teacher's cfg/config.go + cmd/root.go + cmd/flags.go bind theirs,
// a BindFlags step, a Validate step aggregating errors with
// go.uber.org/multierr, and a Rationalize defaulting pass mirroring
// cfg/rationalize.go. Unlike the teacher's cfg/config.go, this Config is
// hand-written rather than generated from a param spec (zfsd has no
// codegen step), but the shape — flat struct of nested structs bound
// one-to-one to flags — is the same.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// VolumeConfig describes one locally or remotely hosted zfsd volume,
// SPEC_FULL.md §3 "volume" as seen from the config file.
type VolumeConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Mountpoint string `yaml:"mountpoint" mapstructure:"mountpoint"`
	LocalPath  string `yaml:"local-path" mapstructure:"local-path"`
	MasterNode string `yaml:"master-node" mapstructure:"master-node"`
	SizeLimit  int64  `yaml:"size-limit" mapstructure:"size-limit"`
}

// PeerConfig describes one known peer node, SPEC_FULL.md §3 "node".
type PeerConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// WorkerPoolConfig binds SPEC_FULL.md §4.J's regulation parameters.
type WorkerPoolConfig struct {
	MinSpare   int `yaml:"min-spare" mapstructure:"min-spare"`
	MaxSpare   int `yaml:"max-spare" mapstructure:"max-spare"`
	MaxThreads int `yaml:"max-threads" mapstructure:"max-threads"`
}

// Config is the top-level daemon configuration, bound from flags/env/file
// through viper the way cfg.Config is in the teacher. Field tags double as
// both the YAML config-file key and the mapstructure key viper.Unmarshal
// matches against the flag names BindFlags registers.
type Config struct {
	NodeName   string `yaml:"node-name" mapstructure:"node-name"`
	BindAddr   string `yaml:"bind-addr" mapstructure:"bind-addr"`
	MountPoint string `yaml:"mount-point" mapstructure:"mount-point"`
	ReadOnly   bool   `yaml:"read-only" mapstructure:"read-only"`

	DefaultUID uint32 `yaml:"default-uid" mapstructure:"default-uid"`
	DefaultGID uint32 `yaml:"default-gid" mapstructure:"default-gid"`

	Volumes []VolumeConfig `yaml:"volumes" mapstructure:"volumes"`
	Peers   []PeerConfig   `yaml:"peers" mapstructure:"peers"`

	KernelPool  WorkerPoolConfig `yaml:"kernel-pool" mapstructure:"kernel-pool"`
	NetworkPool WorkerPoolConfig `yaml:"network-pool" mapstructure:"network-pool"`

	LogPath       string `yaml:"log-path" mapstructure:"log-path"`
	LogMaxSizeMB  int    `yaml:"log-max-size-mb" mapstructure:"log-max-size-mb"`
	LogMaxBackups int    `yaml:"log-max-backups" mapstructure:"log-max-backups"`
	LogDebug      bool   `yaml:"log-debug" mapstructure:"log-debug"`

	// AdminSocket is the unix-socket control channel the running daemon
	// (the "run" subcommand) listens on for "get-facility"/"set-facility"
	// requests from a separate zfsd CLI invocation.
	AdminSocket string `yaml:"admin-socket" mapstructure:"admin-socket"`
}

// BindFlags registers every Config field on flagSet and binds it through
// viper, mirroring cfg.BindFlags's one-flag-per-field, err-checked-every-
// call shape.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("node-name", "", "This node's name, as presented during AUTH_STAGE1.")
	if err := viper.BindPFlag("node-name", flagSet.Lookup("node-name")); err != nil {
		return err
	}

	flagSet.String("bind-addr", ":12323", "Address the peer RPC runtime listens on.")
	if err := viper.BindPFlag("bind-addr", flagSet.Lookup("bind-addr")); err != nil {
		return err
	}

	flagSet.String("mount-point", "", "Path at which the kernel channel is mounted.")
	if err := viper.BindPFlag("mount-point", flagSet.Lookup("mount-point")); err != nil {
		return err
	}

	flagSet.Bool("read-only", false, "Mount the kernel channel read-only.")
	if err := viper.BindPFlag("read-only", flagSet.Lookup("read-only")); err != nil {
		return err
	}

	flagSet.Uint32("default-uid", 65534, "Fallback uid for an id with no per-peer mapping.")
	if err := viper.BindPFlag("default-uid", flagSet.Lookup("default-uid")); err != nil {
		return err
	}

	flagSet.Uint32("default-gid", 65534, "Fallback gid for an id with no per-peer mapping.")
	if err := viper.BindPFlag("default-gid", flagSet.Lookup("default-gid")); err != nil {
		return err
	}

	flagSet.Int("kernel-pool.min-spare", 2, "Minimum idle workers kept warm in the kernel-channel pool.")
	if err := viper.BindPFlag("kernel-pool.min-spare", flagSet.Lookup("kernel-pool.min-spare")); err != nil {
		return err
	}

	flagSet.Int("kernel-pool.max-spare", 8, "Maximum idle workers kept warm in the kernel-channel pool.")
	if err := viper.BindPFlag("kernel-pool.max-spare", flagSet.Lookup("kernel-pool.max-spare")); err != nil {
		return err
	}

	flagSet.Int("kernel-pool.max-threads", 64, "Ceiling on kernel-channel pool workers.")
	if err := viper.BindPFlag("kernel-pool.max-threads", flagSet.Lookup("kernel-pool.max-threads")); err != nil {
		return err
	}

	flagSet.Int("network-pool.min-spare", 2, "Minimum idle workers kept warm in the network pool.")
	if err := viper.BindPFlag("network-pool.min-spare", flagSet.Lookup("network-pool.min-spare")); err != nil {
		return err
	}

	flagSet.Int("network-pool.max-spare", 8, "Maximum idle workers kept warm in the network pool.")
	if err := viper.BindPFlag("network-pool.max-spare", flagSet.Lookup("network-pool.max-spare")); err != nil {
		return err
	}

	flagSet.Int("network-pool.max-threads", 64, "Ceiling on network pool workers.")
	if err := viper.BindPFlag("network-pool.max-threads", flagSet.Lookup("network-pool.max-threads")); err != nil {
		return err
	}

	flagSet.String("log-path", "", "Log file path; empty logs to stderr only.")
	if err := viper.BindPFlag("log-path", flagSet.Lookup("log-path")); err != nil {
		return err
	}

	flagSet.Int("log-max-size-mb", 100, "Rotate the log file after it reaches this size.")
	if err := viper.BindPFlag("log-max-size-mb", flagSet.Lookup("log-max-size-mb")); err != nil {
		return err
	}

	flagSet.Int("log-max-backups", 5, "Number of rotated log files to keep.")
	if err := viper.BindPFlag("log-max-backups", flagSet.Lookup("log-max-backups")); err != nil {
		return err
	}

	flagSet.Bool("log-debug", false, "Log at debug level.")
	if err := viper.BindPFlag("log-debug", flagSet.Lookup("log-debug")); err != nil {
		return err
	}

	flagSet.String("admin-socket", "/var/run/zfsd.sock", "Unix socket the running daemon accepts get-facility/set-facility requests on.")
	if err := viper.BindPFlag("admin-socket", flagSet.Lookup("admin-socket")); err != nil {
		return err
	}

	return nil
}

// Rationalize fills in defaulted/derived fields the way cfg.Rationalize
// does: here, giving every volume its node's name as a default master
// (so a volume config with no explicit master-node is authoritative
// locally, per spec.md §3 "master_node == this_node means this node is
// authoritative").
func Rationalize(c *Config) error {
	for i := range c.Volumes {
		if c.Volumes[i].MasterNode == "" {
			c.Volumes[i].MasterNode = c.NodeName
		}
	}
	if c.KernelPool.MaxThreads == 0 {
		c.KernelPool.MaxThreads = 64
	}
	if c.NetworkPool.MaxThreads == 0 {
		c.NetworkPool.MaxThreads = 64
	}
	return nil
}

// Validate checks c for internal consistency, aggregating every violation
// found via go.uber.org/multierr rather than stopping at the first one,
// the way cfg/validate.go's isValid* helpers are each called unconditionally
// and their errors folded together by the caller.
func Validate(c *Config) error {
	var err error
	if c.NodeName == "" {
		err = multierr.Append(err, fmt.Errorf("node-name must not be empty"))
	}
	if c.MountPoint == "" {
		err = multierr.Append(err, fmt.Errorf("mount-point must not be empty"))
	}
	if len(c.Volumes) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one volume must be configured"))
	}
	seen := make(map[string]bool, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.Name == "" {
			err = multierr.Append(err, fmt.Errorf("volume entry missing name"))
			continue
		}
		if seen[v.Name] {
			err = multierr.Append(err, fmt.Errorf("duplicate volume name %q", v.Name))
		}
		seen[v.Name] = true
		if v.LocalPath == "" && v.MasterNode == c.NodeName {
			err = multierr.Append(err, fmt.Errorf("volume %q: local-path required when this node is master", v.Name))
		}
	}
	if perr := validatePool(&c.KernelPool); perr != nil {
		err = multierr.Append(err, fmt.Errorf("kernel-pool: %w", perr))
	}
	if perr := validatePool(&c.NetworkPool); perr != nil {
		err = multierr.Append(err, fmt.Errorf("network-pool: %w", perr))
	}
	return err
}

func validatePool(p *WorkerPoolConfig) error {
	if p.MinSpare < 0 || p.MaxSpare < p.MinSpare {
		return fmt.Errorf("min-spare/max-spare must satisfy 0 <= min-spare <= max-spare, got %d/%d", p.MinSpare, p.MaxSpare)
	}
	if p.MaxThreads > 0 && p.MaxThreads < p.MaxSpare {
		return fmt.Errorf("max-threads (%d) must be >= max-spare (%d)", p.MaxThreads, p.MaxSpare)
	}
	return nil
}
