// Package main — bench/cmd/latency/main.go
//
// Stem dispatch-pipeline latency harness.
//
// Drives synthetic Domain senses through a real Stem loop wired to
// in-memory Ledger/Continuity/Spine stages (no storage, no network —
// the fake body endpoint below answers in-process), and measures
// wall-clock time from Send to the cycle's completion. Useful for
// regression-checking the serial per-cycle dispatch overhead as the
// pipeline grows; not a substitute for the floor-invariant check
// `cmd/stem-sim` performs.
//
// Output CSV columns: iteration, latency_us
// Summary: p50/p95/p99 latency in microseconds to stdout.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/bodywire"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/continuity"
	"github.com/stemrun/stem/internal/cortex"
	"github.com/stemrun/stem/internal/ingress"
	"github.com/stemrun/stem/internal/ledger"
	"github.com/stemrun/stem/internal/observability"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spine"
	"github.com/stemrun/stem/internal/stem"
)

const (
	benchEndpointID   = "bench-endpoint"
	benchCapabilityID = "bench-capability"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of cycles to drive through the loop")
	actsPerCycle := flag.Int("acts-per-cycle", 1, "Acts Cortex emits per cycle")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	log := zap.NewNop()
	led := ledger.New(ledger.Config{FloorMicro: 0, ReservationTTL: 1000, RetentionCycles: 0}, 1<<62, nil)
	cont := continuity.New(cognition.Zero(), nil)

	sp := spine.New(log)
	sp.RegisterEndpoint(&spine.Endpoint{
		EndpointID: benchEndpointID,
		Client:     benchBody{},
		Capabilities: map[string]sense.CapabilityDescriptor{
			benchCapabilityID: {CapabilityInstanceID: "bench-instance-1"},
		},
	})

	queue := ingress.New(*iterations+1, log)
	metrics := observability.NewMetrics()
	orchestrator := stem.New(queue, benchCortex(*actsPerCycle), cont, led, sp, log).WithMetrics(metrics)

	ctx := context.Background()
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orchestrator.Run(ctx)
	}()

	latencies := make([]time.Duration, 0, *iterations)
	for i := 0; i < *iterations; i++ {
		datum := sense.SenseDatum{SenseID: fmt.Sprintf("bench-%d", i), Source: "bench-latency"}

		start := time.Now()
		if err := queue.Send(ctx, sense.NewDomain(datum)); err != nil {
			fmt.Fprintf(os.Stderr, "send failed at cycle %d: %v\n", i, err)
			os.Exit(1)
		}
		if !waitForCycle(metrics, uint64(i+1), 5*time.Second) {
			fmt.Fprintf(os.Stderr, "cycle %d did not complete within timeout\n", i)
			os.Exit(1)
		}
		latencies = append(latencies, time.Since(start))
	}

	if err := stem.Shutdown(ctx, queue); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", err)
		os.Exit(1)
	}
	if err := <-runErrCh; err != nil {
		fmt.Fprintf(os.Stderr, "loop returned error: %v\n", err)
		os.Exit(1)
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"iteration", "latency_us"})
	for i, d := range latencies {
		_ = w.Write([]string{strconv.Itoa(i), strconv.FormatInt(d.Microseconds(), 10)})
	}
	w.Flush()

	p50, p95, p99 := percentiles(latencies)
	fmt.Printf("Stem dispatch-pipeline latency (%d cycles, %d acts/cycle)\n", *iterations, *actsPerCycle)
	fmt.Printf("  p50: %dus\n", p50.Microseconds())
	fmt.Printf("  p95: %dus\n", p95.Microseconds())
	fmt.Printf("  p99: %dus\n", p99.Microseconds())
	fmt.Printf("  output: %s\n", *outputFile)
}

// percentiles sorts a copy of latencies and picks p50/p95/p99 by
// index. Input must be non-empty.
func percentiles(latencies []time.Duration) (p50, p95, p99 time.Duration) {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(pct float64) time.Duration {
		idx := int(pct * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// waitForCycle polls the CurrentCycleID gauge until it reaches target
// or timeout elapses. CurrentCycleID is set at the very end of
// runCycle, after dispatch and reap_expired both complete, so this is
// a genuine post-cycle barrier rather than a guess at goroutine timing.
func waitForCycle(m *observability.Metrics, target uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if uint64(gaugeValue(m.CurrentCycleID)) >= target {
			return true
		}
		time.Sleep(50 * time.Microsecond)
	}
	return uint64(gaugeValue(m.CurrentCycleID)) >= target
}

func gaugeValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

// benchCortex emits actsPerCycle trivial, always-affordable acts
// against the in-process bench endpoint for every Domain sense.
func benchCortex(actsPerCycle int) cortex.Func {
	var seq uint64
	return func(_ context.Context, s sense.Sense, _ physical.State, cg cognition.State) (cortex.Output, error) {
		if s.Kind() != sense.KindDomain {
			return cortex.Output{NewCognitionState: cg}, nil
		}
		acts := make([]act.Act, 0, actsPerCycle)
		for i := 0; i < actsPerCycle; i++ {
			seq++
			acts = append(acts, act.Act{
				ActID:                fmt.Sprintf("bench-act-%d", seq),
				BasedOn:              []string{s.Domain().SenseID},
				EndpointID:           benchEndpointID,
				CapabilityID:         benchCapabilityID,
				CapabilityInstanceID: "bench-instance-1",
				RequestedResources:   act.RequestedResources{SurvivalMicro: 1},
			})
		}
		return cortex.Output{NewCognitionState: cg, Acts: acts}, nil
	}
}

// benchBody is a zero-overhead in-process body endpoint: it applies
// every act immediately, so measured latency reflects the dispatch
// pipeline's own overhead rather than any transport or endpoint delay.
type benchBody struct{}

func (benchBody) Dispatch(_ context.Context, req *bodywire.ActRequest) (*bodywire.ActResult, error) {
	return &bodywire.ActResult{ActID: req.ActID, Applied: true}, nil
}
