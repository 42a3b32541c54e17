// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package cmdsetup

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/apache/flowqueue/flowd/cluster"
	"github.com/apache/flowqueue/flowd/loadbalance"
	"github.com/apache/flowqueue/flowd/observability"
	"github.com/apache/flowqueue/flowd/queue"
	"github.com/apache/flowqueue/flowd/swap"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
	"github.com/apache/flowqueue/pkg/version"
)

const defaultSwapDir = "/tmp/flowd/swap"

func newStandaloneCmd(runners ...run.Unit) *cobra.Command {
	swapManager := swap.NewFileSystemSwapManager(swap.NewMemoryRepository(), defaultSwapDir)
	registry := queue.NewRegistry(swapManager, loadbalance.NewClient())
	coordinator := cluster.NewStandardCoordinator()
	coordinator.SetActive(true)
	coordinator.OnTopologyChange(func(nodes []cluster.Node) {
		peers := make([]queue.NodeInfo, 0, len(nodes))
		for _, n := range nodes {
			peers = append(peers, queue.NodeInfo{ID: n.ID, Address: n.Address})
		}
		if err := registry.SetNodes(peers); err != nil {
			logger.GetLogger("bootstrap").Error().Err(err).Msg("failed to apply cluster topology")
		}
	})
	monitor := cluster.NewMonitor(coordinator)
	balanceServer := loadbalance.NewServer(registry)
	obsSvc := observability.NewService(registry, coordinator, monitor)

	var units []run.Unit
	units = append(units, runners...)
	units = append(units,
		swapManager,
		registry,
		monitor,
		balanceServer,
		obsSvc,
	)
	standaloneGroup := run.NewGroup("standalone")
	standaloneGroup.Register(units...)

	standaloneCmd := &cobra.Command{
		Use:     "standalone",
		Version: version.Build(),
		Short:   "Run as the standalone server",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger.GetLogger().Info().Msg("starting as a standalone server")
			// Spawn our go routines and wait for shutdown.
			if err := standaloneGroup.Run(context.Background()); err != nil {
				logger.GetLogger().Error().Err(err).Stack().Str("name", standaloneGroup.Name()).Msg("Exit")
				os.Exit(-1)
			}
			return nil
		},
	}
	standaloneCmd.Flags().AddFlagSet(standaloneGroup.RegisterFlags().FlagSet)
	return standaloneCmd
}
