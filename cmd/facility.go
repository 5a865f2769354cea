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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zlomekfs/zfsd/daemon"
)

var getFacilityCmd = &cobra.Command{
	Use:   "get-facility",
	Short: "Print the running daemon's active log facilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		reply, err := daemon.AdminRequest(c.AdminSocket, "get-facility")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

var setFacilityCmd = &cobra.Command{
	Use:   "set-facility <facilities>",
	Short: "Set the running daemon's active log facilities (comma-separated, e.g. net,cache)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		reply, err := daemon.AdminRequest(c.AdminSocket, "set-facility "+args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getFacilityCmd)
	rootCmd.AddCommand(setFacilityCmd)
}
