package radwin

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

var ipNames = [...]string{"gfx", "compute", "dma", "uvd", "vce"}

type csMetrics struct {
	submits [len(ipNames)]metrics.Counter
	ibs     [len(ipNames)]metrics.Counter
	streams [len(ipNames)]metrics.Counter

	grows        metrics.Counter
	growFailures metrics.Counter
	boListSize   metrics.Histogram
}

func newCsMetrics() *csMetrics {
	m := &csMetrics{
		grows:        metrics.GetOrRegisterCounter("cs.grows", nil),
		growFailures: metrics.GetOrRegisterCounter("cs.grow_failures", nil),
		boListSize: metrics.GetOrRegisterHistogram("cs.bo_list_size", nil,
			metrics.NewExpDecaySample(1028, 0.015)),
	}
	for i, name := range ipNames {
		m.submits[i] = metrics.GetOrRegisterCounter(fmt.Sprintf("cs.submit.%s.requests", name), nil)
		m.ibs[i] = metrics.GetOrRegisterCounter(fmt.Sprintf("cs.submit.%s.ibs", name), nil)
		m.streams[i] = metrics.GetOrRegisterCounter(fmt.Sprintf("cs.submit.%s.streams", name), nil)
	}
	return m
}

func (m *csMetrics) Submitted(ipType uint32, ibs, streams int) {
	if m == nil || int(ipType) >= len(m.submits) {
		return
	}
	m.submits[ipType].Inc(1)
	m.ibs[ipType].Inc(int64(ibs))
	m.streams[ipType].Inc(int64(streams))
}
