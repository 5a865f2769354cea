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

package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/zlomekfs/zfsd/internal/config"
	"github.com/zlomekfs/zfsd/node"
	"github.com/zlomekfs/zfsd/rpc"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/workerpool"
)

var pingCmd = &cobra.Command{
	Use:   "ping <node>",
	Short: "Dial a configured peer and send a PING opcode, reporting round-trip success",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		name := args[0]
		var peer *config.PeerConfig
		for i := range c.Peers {
			if c.Peers[i].Name == name {
				peer = &c.Peers[i]
				break
			}
		}
		if peer == nil {
			return fmt.Errorf("zfsd: no peer named %q in config", name)
		}

		pool, err := workerpool.New(1, 1, 1)
		if err != nil {
			return err
		}
		defer pool.Stop(0)

		table := proto.NewTable()
		proto.RegisterCore(table)

		n := node.New(0, name, peer.Host)
		ctx := context.Background()
		conn, err := rpc.Dial(ctx, net.JoinHostPort(peer.Host, fmt.Sprint(peer.Port)), n, table, pool)
		if err != nil {
			return fmt.Errorf("zfsd: dial %s: %w", name, err)
		}
		defer conn.Close(nil)

		if _, err := conn.Call(ctx, proto.PING, 0, nil); err != nil {
			return fmt.Errorf("zfsd: ping %s: %w", name, err)
		}
		fmt.Printf("%s is reachable\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
