package kproc

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	r, _, _ := diagRegistry(t)
	c := NewCollector(r)

	require.Equal(t, 8, testutil.CollectAndCount(c))
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP kproc_processes Number of registered processes by lifecycle state.
# TYPE kproc_processes gauge
kproc_processes{state="dead"} 0
kproc_processes{state="dying"} 0
kproc_processes{state="initial"} 1
kproc_processes{state="running"} 1
# HELP kproc_handles Number of resident handles by object type.
# TYPE kproc_handles gauge
kproc_handles{type="event"} 2
kproc_handles{type="process"} 0
kproc_handles{type="thread"} 0
# HELP kproc_threads Number of threads on the rosters of all registered processes.
# TYPE kproc_threads gauge
kproc_threads 1
`)))
}
