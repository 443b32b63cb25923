package kproc

import (
	"fmt"
	"io"
	"strconv"

	"github.com/ngrok/kproc/internal/wire"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

// DumpProcessList writes one row per registered process.
func (r *Registry) DumpProcessList(w io.Writer) {
	procs := r.Processes()
	defer releaseAll(procs)

	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.GetInfo())
	}
	renderProcessInfos(w, infos)
}

func renderProcessInfos(w io.Writer, infos []ProcessInfo) {
	table := newTable(w, []string{"koid", "name", "state", "retcode", "threads", "handles"})
	for _, info := range infos {
		table.Append([]string{
			strconv.FormatUint(info.Koid, 10),
			info.Name,
			info.State.String(),
			strconv.Itoa(info.ReturnCode),
			strconv.Itoa(info.ThreadCount),
			strconv.Itoa(info.HandleCount),
		})
	}
	table.SetCaption(true, fmt.Sprintf("%d processes", len(infos)))
	table.Render()
}

// DumpProcessHandles writes one row per handle resident in the table of the
// process with the given koid.
func (r *Registry) DumpProcessHandles(w io.Writer, koid uint64) error {
	p, ok := r.LookupProcessByID(koid)
	if !ok {
		return errors.Wrapf(ErrNotFound, "process %d", koid)
	}
	defer p.Release()
	renderHandles(w, p.Handles())
	return nil
}

func renderHandles(w io.Writer, handles []HandleInfo) {
	table := newTable(w, []string{"value", "type", "koid", "rights"})
	for _, h := range handles {
		table.Append([]string{
			fmt.Sprintf("%#08x", h.Value),
			string(h.Type),
			strconv.FormatUint(h.Koid, 10),
			h.Rights.String(),
		})
	}
	table.Render()
}

// HandleStats counts the handles resident across all processes.
type HandleStats struct {
	Processes int             `json:"processes"`
	Total     int             `json:"total"`
	ByType    map[ObjType]int `json:"by_type"`
}

// BuildHandleStats walks every process's handle table.
func (r *Registry) BuildHandleStats() HandleStats {
	procs := r.Processes()
	defer releaseAll(procs)

	stats := HandleStats{Processes: len(procs), ByType: make(map[ObjType]int)}
	for _, p := range procs {
		for _, h := range p.Handles() {
			stats.Total++
			stats.ByType[h.Type]++
		}
	}
	return stats
}

// ProcessSnapshot is the diagnostic view of one process.
type ProcessSnapshot struct {
	Info    ProcessInfo  `json:"info"`
	Threads []ThreadInfo `json:"threads"`
	Handles []HandleInfo `json:"handles"`
}

// Snapshot captures every registered process in koid order.
func (r *Registry) Snapshot() []ProcessSnapshot {
	procs := r.Processes()
	defer releaseAll(procs)

	snaps := make([]ProcessSnapshot, 0, len(procs))
	for _, p := range procs {
		snaps = append(snaps, ProcessSnapshot{
			Info:    p.GetInfo(),
			Threads: p.Threads(),
			Handles: p.Handles(),
		})
	}
	return snaps
}

// WriteSnapshot writes Snapshot to w as a stream of records, one per
// process. It returns the number of processes written.
func (r *Registry) WriteSnapshot(w io.Writer) (int, error) {
	snaps := r.Snapshot()
	for _, s := range snaps {
		if err := wire.WriteRecord(w, s, wire.Version); err != nil {
			return 0, errors.Wrapf(err, "error writing snapshot of process %d", s.Info.Koid)
		}
	}
	return len(snaps), nil
}

// ReadSnapshot reads a stream written by WriteSnapshot.
func ReadSnapshot(src io.Reader) ([]ProcessSnapshot, error) {
	var snaps []ProcessSnapshot
	for {
		var s ProcessSnapshot
		version, err := wire.ReadRecord(src, &s)
		if err == io.EOF {
			return snaps, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error reading record %d", len(snaps))
		}
		if version != wire.Version {
			return nil, errors.Errorf("unsupported snapshot version %d", version)
		}
		snaps = append(snaps, s)
	}
}

// RenderSnapshot writes snapshots as tables: the process list, then the
// handles of every process that has any.
func RenderSnapshot(w io.Writer, snaps []ProcessSnapshot) {
	infos := make([]ProcessInfo, 0, len(snaps))
	for _, s := range snaps {
		infos = append(infos, s.Info)
	}
	renderProcessInfos(w, infos)
	for _, s := range snaps {
		if len(s.Handles) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nhandles of %d (%s):\n", s.Info.Koid, s.Info.Name)
		renderHandles(w, s.Handles)
	}
}
