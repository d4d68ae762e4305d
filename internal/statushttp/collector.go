// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package statushttp

import (
	"farm.256lights.llc/pkg/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "farm_"

var (
	buildsReadDesc = prometheus.NewDesc(
		metricPrefix+"builds_read_total",
		"Number of builds read from the queue",
		nil, nil,
	)
	buildsDoneDesc = prometheus.NewDesc(
		metricPrefix+"builds_done_total",
		"Number of builds finalized",
		nil, nil,
	)
	stepsStartedDesc = prometheus.NewDesc(
		metricPrefix+"steps_started_total",
		"Number of build steps dispatched",
		nil, nil,
	)
	stepsDoneDesc = prometheus.NewDesc(
		metricPrefix+"steps_done_total",
		"Number of build steps resolved",
		nil, nil,
	)
	activeStepsDesc = prometheus.NewDesc(
		metricPrefix+"active_steps",
		"Number of builder workers currently running",
		nil, nil,
	)
	stepsBuildingDesc = prometheus.NewDesc(
		metricPrefix+"steps_building",
		"Number of steps currently executing remotely",
		nil, nil,
	)
	retriesDesc = prometheus.NewDesc(
		metricPrefix+"step_retries_total",
		"Number of step retries",
		nil, nil,
	)
	queuedBuildsDesc = prometheus.NewDesc(
		metricPrefix+"queued_builds",
		"Number of builds in the in-memory map",
		nil, nil,
	)
	runnableStepsDesc = prometheus.NewDesc(
		metricPrefix+"runnable_steps",
		"Number of steps with no unbuilt dependencies",
		nil, nil,
	)
	stepTimeDesc = prometheus.NewDesc(
		metricPrefix+"step_time_seconds_total",
		"Wall time spent on steps, including transfer overhead",
		nil, nil,
	)
	machineJobsDesc = prometheus.NewDesc(
		metricPrefix+"machine_current_jobs",
		"Number of jobs running on a machine",
		[]string{"machine"}, nil,
	)
	machineStepsDoneDesc = prometheus.NewDesc(
		metricPrefix+"machine_steps_done_total",
		"Number of steps a machine has completed",
		[]string{"machine"}, nil,
	)
	machineTypeRunnableDesc = prometheus.NewDesc(
		metricPrefix+"system_type_runnable",
		"Number of runnable steps per system type",
		[]string{"system_type"}, nil,
	)
	machineTypeRunningDesc = prometheus.NewDesc(
		metricPrefix+"system_type_running",
		"Number of running steps per system type",
		[]string{"system_type"}, nil,
	)
)

// collector exposes scheduler statistics as Prometheus metrics.
type collector struct {
	sch *scheduler.Scheduler
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.sch.Stats()
	counter := func(desc *prometheus.Desc, value int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), labels...)
	}
	gauge := func(desc *prometheus.Desc, value int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), labels...)
	}

	counter(buildsReadDesc, stats.NrBuildsRead)
	counter(buildsDoneDesc, stats.NrBuildsDone)
	counter(stepsStartedDesc, stats.NrStepsStarted)
	counter(stepsDoneDesc, stats.NrStepsDone)
	gauge(activeStepsDesc, stats.NrActiveSteps)
	gauge(stepsBuildingDesc, stats.NrStepsBuilding)
	counter(retriesDesc, stats.NrRetries)
	gauge(queuedBuildsDesc, int64(stats.NrBuilds))
	gauge(runnableStepsDesc, int64(stats.NrRunnable))
	counter(stepTimeDesc, stats.TotalStepTime)

	for _, m := range stats.Machines {
		gauge(machineJobsDesc, int64(m.CurrentJobs), m.Host)
		counter(machineStepsDoneDesc, m.NrStepsDone, m.Host)
	}
	for systemType, mt := range stats.MachineTypes {
		gauge(machineTypeRunnableDesc, int64(mt.Runnable), systemType)
		gauge(machineTypeRunningDesc, int64(mt.Running), systemType)
	}
}
