package bench

import (
	"context"
	"io"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// HostInfo describes the machine a benchmark ran on.
type HostInfo struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Platform  string `json:"platform"`
	Kernel    string `json:"kernel"`
	CPUModel  string `json:"cpuModel"`
	CPUCores  int    `json:"cpuCores"`
	CPUs      int    `json:"cpus"`
	MemTotal  uint64 `json:"memTotal"`
	GoVersion string `json:"goVersion"`
}

// CollectHostInfo gathers what gopsutil can find. Missing pieces are left
// empty.
func CollectHostInfo(ctx context.Context) HostInfo {
	hi := HostInfo{
		OS:        runtime.GOOS,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		hi.Hostname = info.Hostname
		hi.Platform = info.Platform + " " + info.PlatformVersion
		hi.Kernel = info.KernelVersion
	} else {
		log.WithError(err).Debug("host info unavailable")
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		hi.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		hi.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		hi.MemTotal = vm.Total
	}
	return hi
}

func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// WriteHost writes a short host description.
func WriteHost(w io.Writer, hi HostInfo) error {
	p := newPrinter()
	_, err := p.Fprintf(w, "# host %s (%s, %s), %s, %d cores / %d cpus, %d MiB, %s\n",
		hi.Hostname, hi.OS, hi.Platform, hi.CPUModel, hi.CPUCores, hi.CPUs, hi.MemTotal>>20, hi.GoVersion)
	return err
}

// WriteTable writes results as an aligned table.
func WriteTable(w io.Writer, results []Result) error {
	p := newPrinter()
	tw := newTabWriter(w)
	p.Fprintf(tw, "POOL\tWORKLOAD\tTHREADS\tSIZE\tOPS\tERRORS\tOPS/S\tMEAN\tP50\tP99\tMAX\tCREATED\n")
	for _, r := range results {
		p.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.0f\t%s\t%s\t%s\t%s\t%d\n",
			r.Pool, r.Workload, r.Threads, r.MaxPoolSize, r.Ops, r.Errors, r.OpsPerSec,
			roundLatency(r.Mean), roundLatency(r.P50), roundLatency(r.P99), roundLatency(r.Max),
			r.Stats.Created)
	}
	return tw.Flush()
}

// roundLatency shortens a duration for display.
func roundLatency(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d >= time.Microsecond:
		return d.Round(time.Nanosecond * 10).String()
	default:
		return d.String()
	}
}
