// Command simulate drives internal/scheduler directly with many synthetic
// task instances to exercise the round-robin fairness guarantee of spec
// §4.7/§5 — bounded advance regardless of a task instance's arrival order,
// size, or task type — without needing a live engine or admin API.
//
// It replaces the teacher's cmd/loadtest, which drove the gateway's S3
// PUT/GET paths over HTTP; this domain's equivalent stress point isn't the
// HTTP surface (admin calls are small and infrequent) but the scheduler's
// publication loop, so simulate drives that loop in-process and reports on
// drain latency and starvation instead of request throughput.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/perf/benchstat"

	"github.com/electionguard/tally-orchestrator/internal/scheduler"
)

func main() {
	var (
		taskInstances  = flag.Int("task-instances", 20, "number of concurrent task instances to register")
		minChunks      = flag.Int("min-chunks", 2, "minimum chunks per task instance")
		maxChunks      = flag.Int("max-chunks", 40, "maximum chunks per task instance")
		staggerTicks   = flag.Int("stagger-ticks", 5, "spread task instance arrival over this many ticks")
		seed           = flag.Int64("seed", 1, "PRNG seed for task instance sizing and arrival")
		baselineFile   = flag.String("baseline-file", "testdata/fairness_baseline.txt", "benchmark-format baseline file")
		threshold      = flag.Float64("threshold", 15.0, "regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "write current run as the new baseline instead of comparing")
		verbose        = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := newFairnessRun(*taskInstances, *minChunks, *maxChunks, *staggerTicks, *seed, logger)
	if err := run.drive(ctx); err != nil {
		logger.WithError(err).Fatal("simulate: run aborted")
	}

	report := run.report()
	fmt.Print(report.String())

	if *updateBaseline {
		if err := os.WriteFile(*baselineFile, report.Bytes(), 0o644); err != nil {
			logger.WithError(err).Fatal("simulate: write baseline")
		}
		fmt.Println("baseline updated:", *baselineFile)
		return
	}

	baseline, err := os.ReadFile(*baselineFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no baseline found at", *baselineFile, "- run with -update-baseline to create one")
			return
		}
		logger.WithError(err).Fatal("simulate: read baseline")
	}

	regressed, err := compareAgainstBaseline(baseline, report.Bytes(), *threshold)
	if err != nil {
		logger.WithError(err).Fatal("simulate: compare baseline")
	}
	if regressed {
		logger.Fatal("simulate: fairness regression exceeds threshold")
	}
	fmt.Println("fairness check passed")
}

// fairnessRun registers taskInstances synthetic task instances against a
// real scheduler.Scheduler. Its Publish method (the scheduler's only
// dependency, C6 in production) completes every chunk the instant it's
// queued, so the publication loop's own round-robin logic is the only
// thing under measurement, not simulated engine latency.
type fairnessRun struct {
	sched       *scheduler.Scheduler
	rng         *rand.Rand
	chunkCounts []int
	arrivalTick []int
	drainTick   []int
	taskIdx     map[string]int
	tickN       int
}

func newFairnessRun(n, minChunks, maxChunks, staggerTicks int, seed int64, log *logrus.Logger) *fairnessRun {
	r := &fairnessRun{
		rng:         rand.New(rand.NewSource(seed)),
		chunkCounts: make([]int, n),
		arrivalTick: make([]int, n),
		drainTick:   make([]int, n),
		taskIdx:     make(map[string]int, n),
	}
	for i := range r.chunkCounts {
		r.chunkCounts[i] = minChunks + r.rng.Intn(maxChunks-minChunks+1)
		r.arrivalTick[i] = r.rng.Intn(staggerTicks + 1)
		r.drainTick[i] = -1
	}

	r.sched = scheduler.New(scheduler.Config{
		Tick:             time.Millisecond, // irrelevant: ticks are driven manually via Tick
		MaxPasses:        8,
		MaxQueuedPerTask: 1,
		RetryMaxAttempts: 3,
		RetryInitialWait: time.Second,
	}, r, log, scheduler.Hooks{})
	return r
}

// Publish implements scheduler.Publisher.
func (r *fairnessRun) Publish(_ context.Context, _ string, id string, _ []byte) error {
	return r.sched.UpdateChunkState(id, scheduler.StateCompleted, "")
}

func (r *fairnessRun) drive(ctx context.Context) error {
	registered := make([]bool, len(r.chunkCounts))
	maxTicks := 2*len(r.chunkCounts) + 64

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulate: cancelled")
		default:
		}

		for i, arr := range r.arrivalTick {
			if registered[i] || arr > r.tickN {
				continue
			}
			chunks := make([]scheduler.ChunkInput, r.chunkCounts[i])
			for c := range chunks {
				chunks[c] = scheduler.ChunkInput{Payload: []byte(fmt.Sprintf("%d-%d", i, c))}
			}
			taskID, err := r.sched.RegisterTask(taskTypeFor(i), fmt.Sprintf("E-sim-%d", i), nil, chunks)
			if err != nil {
				return err
			}
			registered[i] = true
			r.taskIdx[taskID] = i
		}

		r.sched.Tick(ctx)
		r.tickN++

		if r.allDrained() || r.tickN >= maxTicks {
			return nil
		}
	}
}

func (r *fairnessRun) allDrained() bool {
	if len(r.taskIdx) < len(r.chunkCounts) {
		return false
	}
	done := true
	for id, i := range r.taskIdx {
		p, err := r.sched.GetProgress(id)
		if err != nil {
			continue
		}
		if p.Completed+p.Failed >= p.Total {
			if r.drainTick[i] < 0 {
				r.drainTick[i] = r.tickN
			}
			continue
		}
		done = false
	}
	return done
}

func taskTypeFor(i int) scheduler.TaskType {
	switch i % 4 {
	case 0:
		return scheduler.TaskTally
	case 1:
		return scheduler.TaskPartial
	case 2:
		return scheduler.TaskCompensated
	default:
		return scheduler.TaskCombine
	}
}

// report renders the run's fairness metrics in the Go benchmark text
// format, the format benchstat already knows how to diff.
func (r *fairnessRun) report() *bytes.Buffer {
	var maxTicksPerChunk, sumTicksPerChunk float64
	n := 0
	for i, chunks := range r.chunkCounts {
		if r.drainTick[i] < 0 || chunks == 0 {
			continue
		}
		ticksPerChunk := float64(r.drainTick[i]-r.arrivalTick[i]) / float64(chunks)
		if ticksPerChunk > maxTicksPerChunk {
			maxTicksPerChunk = ticksPerChunk
		}
		sumTicksPerChunk += ticksPerChunk
		n++
	}
	mean := 0.0
	if n > 0 {
		mean = sumTicksPerChunk / float64(n)
	}

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "BenchmarkFairnessMaxTicksPerChunk 1 %f ticks/chunk\n", maxTicksPerChunk)
	fmt.Fprintf(buf, "BenchmarkFairnessMeanTicksPerChunk 1 %f ticks/chunk\n", mean)
	fmt.Fprintf(buf, "BenchmarkFairnessTotalTicks 1 %f ticks\n", float64(r.tickN))
	return buf
}

// compareAgainstBaseline diffs baseline vs current on every metric
// benchstat parsed out of both buffers, flagging a regression if any
// metric's mean worsened by more than thresholdPct.
func compareAgainstBaseline(baseline, current []byte, thresholdPct float64) (bool, error) {
	var c benchstat.Collection
	if err := c.AddConfig("baseline", bytes.NewReader(baseline)); err != nil {
		return false, fmt.Errorf("parse baseline: %w", err)
	}
	if err := c.AddConfig("current", bytes.NewReader(current)); err != nil {
		return false, fmt.Errorf("parse current: %w", err)
	}

	tables := c.Tables()
	benchstat.FormatText(os.Stdout, tables)

	regressed := false
	for _, t := range tables {
		for _, row := range t.Rows {
			if len(row.Metrics) < 2 {
				continue
			}
			before, after := row.Metrics[0], row.Metrics[1]
			if before.Mean <= 0 {
				continue
			}
			pctChange := (after.Mean - before.Mean) / before.Mean * 100
			if math.Abs(pctChange) > thresholdPct && pctChange > 0 {
				regressed = true
			}
		}
	}
	return regressed, nil
}
