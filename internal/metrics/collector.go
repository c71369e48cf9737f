// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the engine's Prometheus metrics.
type Collector struct {
	stepsTotal        *prometheus.CounterVec
	instancesTotal    *prometheus.CounterVec
	actionsTotal      *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	retriesTotal      prometheus.Counter
	provisionFailures prometheus.Counter
	agents            *prometheus.GaugeVec
	agentTransitions  *prometheus.CounterVec
}

// NewCollector registers the engine metrics on the given registerer
// (pass prometheus.DefaultRegisterer for the global registry).
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{}

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step terminal transitions",
		},
		[]string{"status"},
	)

	c.instancesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Total number of instance terminal transitions",
		},
		[]string{"status"},
	)

	c.actionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of executed action attempts",
		},
		[]string{"type", "result"},
	)

	c.actionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	c.retriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of scheduled step retries",
		},
	)

	c.provisionFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_failures_total",
			Help:      "Total number of failed agent provisioning requests",
		},
	)

	c.agents = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Current number of agents per lifecycle state",
		},
		[]string{"state"},
	)

	c.agentTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"from", "to"},
	)

	return c
}

// StepCompleted counts a terminal step transition.
func (c *Collector) StepCompleted(status string) {
	c.stepsTotal.WithLabelValues(status).Inc()
}

// InstanceCompleted counts a terminal instance transition.
func (c *Collector) InstanceCompleted(status string) {
	c.instancesTotal.WithLabelValues(status).Inc()
}

// ActionExecuted records one action attempt.
func (c *Collector) ActionExecuted(actionType string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.actionsTotal.WithLabelValues(actionType, result).Inc()
	c.actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RetryScheduled counts a scheduled step retry.
func (c *Collector) RetryScheduled() {
	c.retriesTotal.Inc()
}

// ProvisionFailure counts a failed provisioning request.
func (c *Collector) ProvisionFailure() {
	c.provisionFailures.Inc()
}

// AgentTransition moves the per-state gauge. An empty from state marks
// agent creation.
func (c *Collector) AgentTransition(from, to string) {
	if from != "" {
		c.agents.WithLabelValues(from).Dec()
		c.agentTransitions.WithLabelValues(from, to).Inc()
	}
	c.agents.WithLabelValues(to).Inc()
}
