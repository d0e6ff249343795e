// Copyright 2020 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics centralizes the rcrowley/go-metrics gauges/counters the
// engine and its components update each tick, following the naming and
// registration style of
// datasync/chaindatafetcher/chaindata_fetcher.go's package-level gauges.
package metrics

import "github.com/rcrowley/go-metrics"

var (
	TickDurationGauge          = metrics.NewRegisteredGauge("forkscanner/tick/duration", nil)
	TickErrorCounter           = metrics.NewRegisteredCounter("forkscanner/tick/errors", nil)
	NodesPolledGauge           = metrics.NewRegisteredGauge("forkscanner/poller/nodesPolled", nil)
	NodesUnreachableGauge      = metrics.NewRegisteredGauge("forkscanner/poller/nodesUnreachable", nil)
	NodesIBDGauge              = metrics.NewRegisteredGauge("forkscanner/poller/nodesInIBD", nil)
	PollLatencyGauge           = metrics.NewRegisteredGauge("forkscanner/poller/latencyMillis", nil)
	BlocksIngestedCounter      = metrics.NewRegisteredCounter("forkscanner/reconciler/blocksIngested", nil)
	MatchChildrenCounter       = metrics.NewRegisteredCounter("forkscanner/reconciler/matchChildren", nil)
	MatchParentCounter         = metrics.NewRegisteredCounter("forkscanner/reconciler/matchParent", nil)
	CheckParentResetCounter    = metrics.NewRegisteredCounter("forkscanner/reconciler/checkParentResets", nil)
	StaleCandidatesGauge       = metrics.NewRegisteredGauge("forkscanner/staleanalyzer/candidates", nil)
	DoubleSpendsFoundCounter   = metrics.NewRegisteredCounter("forkscanner/doublespend/found", nil)
	RBFFoundCounter            = metrics.NewRegisteredCounter("forkscanner/doublespend/rbfFound", nil)
	RollbacksAttemptedCounter  = metrics.NewRegisteredCounter("forkscanner/rollback/attempted", nil)
	RollbacksSucceededCounter  = metrics.NewRegisteredCounter("forkscanner/rollback/succeeded", nil)
	LaggingNodesGauge          = metrics.NewRegisteredGauge("forkscanner/poller/laggingNodes", nil)
)
