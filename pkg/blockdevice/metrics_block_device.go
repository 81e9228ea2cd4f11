package blockdevice

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	blockDevicePrometheusMetrics sync.Once

	blockDeviceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slate_filesystem",
			Subsystem: "blockdevice",
			Name:      "operations_total",
			Help:      "Number of sector transfers performed against the block device.",
		},
		[]string{"operation"})
	blockDeviceOperationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slate_filesystem",
			Subsystem: "blockdevice",
			Name:      "operation_failures_total",
			Help:      "Number of sector transfers against the block device that failed.",
		},
		[]string{"operation"})
)

type metricsBlockDevice struct {
	BlockDevice

	reads         prometheus.Counter
	readFailures  prometheus.Counter
	writes        prometheus.Counter
	writeFailures prometheus.Counter
}

// NewMetricsBlockDevice creates a decorator for BlockDevice that
// exposes Prometheus metrics on the number of sector transfers
// performed.
func NewMetricsBlockDevice(base BlockDevice) BlockDevice {
	blockDevicePrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockDeviceOperationsTotal)
		prometheus.MustRegister(blockDeviceOperationFailuresTotal)
	})

	return &metricsBlockDevice{
		BlockDevice: base,

		reads:         blockDeviceOperationsTotal.WithLabelValues("ReadSector"),
		readFailures:  blockDeviceOperationFailuresTotal.WithLabelValues("ReadSector"),
		writes:        blockDeviceOperationsTotal.WithLabelValues("WriteSector"),
		writeFailures: blockDeviceOperationFailuresTotal.WithLabelValues("WriteSector"),
	}
}

func (bd *metricsBlockDevice) ReadSector(sector uint32, p []byte) error {
	bd.reads.Inc()
	err := bd.BlockDevice.ReadSector(sector, p)
	if err != nil {
		bd.readFailures.Inc()
	}
	return err
}

func (bd *metricsBlockDevice) WriteSector(sector uint32, p []byte) error {
	bd.writes.Inc()
	err := bd.BlockDevice.WriteSector(sector, p)
	if err != nil {
		bd.writeFailures.Inc()
	}
	return err
}
