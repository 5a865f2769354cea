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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/zlomekfs/zfsd/daemon"
	"github.com/zlomekfs/zfsd/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the zfsd daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Init(logging.Options{
			Path:       c.LogPath,
			MaxSizeMB:  c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			Debug:      c.LogDebug,
		}); err != nil {
			return err
		}
		defer logging.Sync()

		// The protocol engine opens a span per dispatched request; install
		// a real provider so those spans flow to whatever exporter an
		// operator plugs in (none by default).
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())

		d, err := daemon.New(c)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logging.L().Info("zfsd starting",
			zap.String("node", c.NodeName),
			zap.String("bind-addr", c.BindAddr),
			zap.String("mount-point", c.MountPoint))

		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
