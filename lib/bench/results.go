package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/gjson"
)

// lockTimeout bounds how long AppendResults waits for another writer.
const lockTimeout = 5 * time.Second

// AppendResults appends results to path as JSON lines. Concurrent runs
// writing the same file are serialized by a lock file next to it.
func AppendResults(path string, results []Result) error {
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("locking %s: held by another process", path)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to release results lock")
		}
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening results file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("writing result: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing results file: %w", err)
	}

	log.WithField("path", path).WithField("results", len(results)).Debug("results appended")
	return nil
}

// LoadResults reads a results file written by AppendResults. Lines that
// are not valid JSON are skipped.
func LoadResults(path string) ([]Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading results file: %w", err)
	}
	return parseResults(data), nil
}

func parseResults(data []byte) []Result {
	var results []Result
	skipped := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			skipped++
			continue
		}
		results = append(results, resultFromJSON(gjson.ParseBytes(line)))
	}
	if skipped > 0 {
		log.WithField("skipped", skipped).Warn("skipped malformed result lines")
	}
	return results
}

func resultFromJSON(j gjson.Result) Result {
	stats := j.Get("stats")
	r := Result{
		Pool:        j.Get("pool").String(),
		Driver:      j.Get("driver").String(),
		Workload:    j.Get("workload").String(),
		Threads:     int(j.Get("threads").Int()),
		MaxPoolSize: int(j.Get("maxPoolSize").Int()),
		Ops:         j.Get("ops").Uint(),
		Errors:      j.Get("errors").Uint(),
		Duration:    time.Duration(j.Get("durationNs").Int()),
		OpsPerSec:   j.Get("opsPerSec").Float(),
		Mean:        time.Duration(j.Get("meanNs").Int()),
		P50:         time.Duration(j.Get("p50Ns").Int()),
		P99:         time.Duration(j.Get("p99Ns").Int()),
		Max:         time.Duration(j.Get("maxNs").Int()),
		CPUPercent:  j.Get("cpuPercent").Float(),
		Version:     j.Get("version").String(),
		Timestamp:   j.Get("timestamp").Time(),
	}
	if codes := j.Get("errorCodes"); codes.IsObject() {
		r.ErrorCodes = make(map[string]uint64)
		codes.ForEach(func(k, v gjson.Result) bool {
			r.ErrorCodes[k.String()] = v.Uint()
			return true
		})
	}
	r.Stats.Kind = stats.Get("kind").String()
	r.Stats.Name = stats.Get("name").String()
	r.Stats.MaxSize = int(stats.Get("maxSize").Int())
	r.Stats.Open = int(stats.Get("open").Int())
	r.Stats.Idle = int(stats.Get("idle").Int())
	r.Stats.InUse = int(stats.Get("inUse").Int())
	r.Stats.Waiting = int(stats.Get("waiting").Int())
	r.Stats.Acquired = stats.Get("acquired").Uint()
	r.Stats.Failed = stats.Get("failed").Uint()
	r.Stats.Timeouts = stats.Get("timeouts").Uint()
	r.Stats.Created = stats.Get("created").Uint()
	return r
}

// Summary aggregates the trials of one pool under one workload.
type Summary struct {
	Pool      string
	Workload  string
	Threads   int
	Trials    int
	MeanOps   float64
	BestOps   float64
	WorstOps  float64
	MeanP99   time.Duration
	ErrorRate float64
}

// Compare groups results by pool, workload and thread count, fastest
// group first.
func Compare(results []Result) []Summary {
	type key struct {
		pool, workload string
		threads        int
	}
	groups := make(map[key]*Summary)
	var order []key
	p99 := make(map[key]time.Duration)
	ops := make(map[key]uint64)
	errs := make(map[key]uint64)

	for _, r := range results {
		k := key{r.Pool, r.Workload, r.Threads}
		s, ok := groups[k]
		if !ok {
			s = &Summary{Pool: r.Pool, Workload: r.Workload, Threads: r.Threads, WorstOps: r.OpsPerSec}
			groups[k] = s
			order = append(order, k)
		}
		s.Trials++
		s.MeanOps += r.OpsPerSec
		if r.OpsPerSec > s.BestOps {
			s.BestOps = r.OpsPerSec
		}
		if r.OpsPerSec < s.WorstOps {
			s.WorstOps = r.OpsPerSec
		}
		p99[k] += r.P99
		ops[k] += r.Ops
		errs[k] += r.Errors
	}

	out := make([]Summary, 0, len(order))
	for _, k := range order {
		s := groups[k]
		s.MeanOps /= float64(s.Trials)
		s.MeanP99 = p99[k] / time.Duration(s.Trials)
		if total := ops[k] + errs[k]; total > 0 {
			s.ErrorRate = float64(errs[k]) / float64(total)
		}
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MeanOps > out[j].MeanOps
	})
	return out
}

// WriteComparison writes summaries as an aligned table.
func WriteComparison(w io.Writer, summaries []Summary) error {
	if len(summaries) == 0 {
		return errors.New("no results to compare")
	}
	p := newPrinter()
	best := summaries[0].MeanOps
	tw := newTabWriter(w)
	p.Fprintf(tw, "POOL\tWORKLOAD\tTHREADS\tTRIALS\tMEAN OPS/S\tBEST\tWORST\tP99\tERRORS\tRELATIVE\n")
	for _, s := range summaries {
		rel := 0.0
		if best > 0 {
			rel = s.MeanOps / best * 100
		}
		p.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%.0f\t%.0f\t%s\t%.2f%%\t%.1f%%\n",
			s.Pool, s.Workload, s.Threads, s.Trials, s.MeanOps, s.BestOps, s.WorstOps,
			roundLatency(s.MeanP99), s.ErrorRate*100, rel)
	}
	return tw.Flush()
}
