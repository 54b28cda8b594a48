package datastore

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var descRegistryRecords = prometheus.NewDesc(
	"geosync_registry_records",
	"Number of registry records per replication state.",
	[]string{"state"},
	nil,
)

// RegistryCollector exposes the registry state distribution as a prometheus
// metric.
type RegistryCollector struct {
	log      logrus.FieldLogger
	registry Registry
}

// NewRegistryCollector returns a new collector reading from the passed
// registry.
func NewRegistryCollector(log logrus.FieldLogger, registry Registry) *RegistryCollector {
	return &RegistryCollector{
		log:      log.WithField("component", "RegistryCollector"),
		registry: registry,
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.registry.CountByState(context.TODO())
	if err != nil {
		c.log.WithError(err).Error("failed collecting registry state metric")
		return
	}

	for _, state := range []SyncState{StatePending, StateStarted, StateSynced, StateFailed} {
		ch <- prometheus.MustNewConstMetric(descRegistryRecords, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
