package kproc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processesDesc = prometheus.NewDesc(
		"kproc_processes",
		"Number of registered processes by lifecycle state.",
		[]string{"state"}, nil)
	handlesDesc = prometheus.NewDesc(
		"kproc_handles",
		"Number of resident handles by object type.",
		[]string{"type"}, nil)
	threadsDesc = prometheus.NewDesc(
		"kproc_threads",
		"Number of threads on the rosters of all registered processes.",
		nil, nil)
)

type registryCollector struct {
	r *Registry
}

// NewCollector returns a prometheus collector reporting on r's processes at
// scrape time.
func NewCollector(r *Registry) prometheus.Collector {
	return registryCollector{r: r}
}

func (c registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processesDesc
	ch <- handlesDesc
	ch <- threadsDesc
}

func (c registryCollector) Collect(ch chan<- prometheus.Metric) {
	procs := c.r.Processes()
	defer releaseAll(procs)

	byState := map[ProcessState]int{}
	byType := map[ObjType]int{}
	threads := 0
	for _, p := range procs {
		byState[p.State()]++
		threads += p.ThreadCount()
		for _, h := range p.Handles() {
			byType[h.Type]++
		}
	}

	for _, st := range []ProcessState{StateInitial, StateRunning, StateDying, StateDead} {
		ch <- prometheus.MustNewConstMetric(processesDesc, prometheus.GaugeValue, float64(byState[st]), st.String())
	}
	for _, typ := range []ObjType{ObjTypeProcess, ObjTypeThread, ObjTypeEvent} {
		ch <- prometheus.MustNewConstMetric(handlesDesc, prometheus.GaugeValue, float64(byType[typ]), string(typ))
	}
	ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(threads))
}
