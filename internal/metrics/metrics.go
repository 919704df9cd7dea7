// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/util/workqueue"
)

const (
	WorkQueueSubsystem         = "workqueue"
	DepthKey                   = "depth"
	AddsKey                    = "adds_total"
	QueueLatencyKey            = "queue_duration_seconds"
	WorkDurationKey            = "work_duration_seconds"
	UnfinishedWorkKey          = "unfinished_work_seconds"
	LongestRunningProcessorKey = "longest_running_processor_seconds"
	RetriesKey                 = "retries_total"
)

var (
	ChannelTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_channel_transactions_total",
		Help: "Total number of transactions per channel and result",
	}, []string{"channel", "result"})

	ChannelTransactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enclave_channel_transaction_duration_seconds",
		Help:    "Length of time from acquiring a channel until the transaction is released",
		Buckets: prometheus.ExponentialBuckets(1e-6, 10, 8),
	}, []string{"channel"})

	ChannelStalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_channel_stalls_total",
		Help: "Total number of busy waits that exceeded the stall threshold",
	}, []string{"channel"})

	ChannelSpuriousInterrupts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_channel_spurious_interrupts_total",
		Help: "Total number of interrupts received without a pending transaction",
	}, []string{"channel"})

	Enclaves = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enclaves",
		Help: "Number of enclaves per state",
	}, []string{"state"})

	ReplayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclave_replay_failures_total",
		Help: "Total number of resources dropped because they could not be replayed after a reset",
	})

	workqueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      DepthKey,
		Help:      "Current depth of workqueue",
	}, []string{"name"})

	workqueueAdds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      AddsKey,
		Help:      "Total number of adds handled by workqueue",
	}, []string{"name"})

	workqueueLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      QueueLatencyKey,
		Help:      "How long in seconds an item stays in workqueue before being requested",
		Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
	}, []string{"name"})

	workqueueDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      WorkDurationKey,
		Help:      "How long in seconds processing an item from workqueue takes.",
		Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
	}, []string{"name"})

	workqueueUnfinished = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      UnfinishedWorkKey,
		Help: "How many seconds of work has been done that " +
			"is in progress and hasn't been observed by work_duration. Large " +
			"values indicate stuck threads. One can deduce the number of stuck " +
			"threads by observing the rate at which this increases.",
	}, []string{"name"})

	workqueueLongestRunningProcessor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      LongestRunningProcessorKey,
		Help: "How many seconds has the longest running " +
			"processor for workqueue been running.",
	}, []string{"name"})

	workqueueRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: WorkQueueSubsystem,
		Name:      RetriesKey,
		Help:      "Total number of retries handled by workqueue",
	}, []string{"name"})

	OperationDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "operation_duration_seconds",
		Help: "Length of time per control operation",
	}, []string{"operation"})

	OperationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operation_errors_total",
		Help: "Total number of failed control operations per error kind",
	}, []string{"operation", "kind"})
)

func init() {
	prometheus.MustRegister(ChannelTransactions)
	prometheus.MustRegister(ChannelTransactionDuration)
	prometheus.MustRegister(ChannelStalls)
	prometheus.MustRegister(ChannelSpuriousInterrupts)
	prometheus.MustRegister(Enclaves)
	prometheus.MustRegister(ReplayFailures)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(OperationErrors)
	prometheus.MustRegister(workqueueDepth)
	prometheus.MustRegister(workqueueAdds)
	prometheus.MustRegister(workqueueLatency)
	prometheus.MustRegister(workqueueDuration)
	prometheus.MustRegister(workqueueUnfinished)
	prometheus.MustRegister(workqueueLongestRunningProcessor)
	prometheus.MustRegister(workqueueRetries)
	workqueue.SetProvider(WorkqueueMetricsProvider{})
}

type WorkqueueMetricsProvider struct{}

func (WorkqueueMetricsProvider) NewDepthMetric(name string) workqueue.GaugeMetric {
	return workqueueDepth.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewAddsMetric(name string) workqueue.CounterMetric {
	return workqueueAdds.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewLatencyMetric(name string) workqueue.HistogramMetric {
	return workqueueLatency.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewWorkDurationMetric(name string) workqueue.HistogramMetric {
	return workqueueDuration.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewUnfinishedWorkSecondsMetric(name string) workqueue.SettableGaugeMetric {
	return workqueueUnfinished.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewLongestRunningProcessorSecondsMetric(name string) workqueue.SettableGaugeMetric {
	return workqueueLongestRunningProcessor.WithLabelValues(name)
}

func (WorkqueueMetricsProvider) NewRetriesMetric(name string) workqueue.CounterMetric {
	return workqueueRetries.WithLabelValues(name)
}
