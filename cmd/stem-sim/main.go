// Package main — cmd/stem-sim/main.go
//
// Stem scenario runner.
//
// Purpose: drive synthetic Sense traffic through a real Stem loop,
// wired to a real Ledger, Continuity and Spine with one fake body
// endpoint, and check that the survival-balance floor invariant
// (spec.md invariant 1: balance_micro never drops below FloorMicro)
// holds across every cycle. Unlike the donor's dominance simulator —
// which estimates a probabilistic containment bound over a stochastic
// attacker model — the Stem floor invariant is meant to hold with
// certainty by construction; this tool exists to catch a regression
// that breaks that certainty under adversarial cost/rejection
// parameters, not to estimate a probability.
//
// Output: per-cycle CSV to stdout (cycle, balance_micro,
// open_reservations).
// Summary: invariant verdict to stderr.
//
// Usage:
//
//	stem-sim [flags]
//	stem-sim -cycles 5000 -acts-per-cycle 4 -cost-max 500 -reject-prob 0.3
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
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
	simEndpointID   = "sim-endpoint"
	simCapabilityID = "sim-capability"
)

func main() {
	cycles := flag.Int("cycles", 5000, "Number of domain senses to drive through the loop")
	actsPerCycle := flag.Int("acts-per-cycle", 2, "Acts Cortex emits per domain sense")
	costMin := flag.Int64("cost-min", 1, "Minimum requested survival_micro per act")
	costMax := flag.Int64("cost-max", 500, "Maximum requested survival_micro per act")
	floor := flag.Int64("floor", 0, "Ledger floor_micro")
	opening := flag.Int64("opening-balance", 100000, "Opening survival balance, micro")
	reservationTTL := flag.Uint64("reservation-ttl", 5, "Reservation TTL, in cycles")
	rejectProb := flag.Float64("reject-prob", 0.2, "Probability the fake endpoint rejects an act")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	if *costMin < 0 || *costMax < *costMin {
		fmt.Fprintln(os.Stderr, "ERROR: require 0 <= cost-min <= cost-max")
		os.Exit(1)
	}
	if *rejectProb < 0 || *rejectProb > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: reject-prob must be in [0, 1]")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	log := zap.NewNop()

	led := ledger.New(ledger.Config{
		FloorMicro:      *floor,
		ReservationTTL:  *reservationTTL,
		RetentionCycles: 0,
	}, *opening, nil)

	cont := continuity.New(cognition.Zero(), nil)

	sp := spine.New(log)
	sp.RegisterEndpoint(&spine.Endpoint{
		EndpointID: simEndpointID,
		Client:     &fakeBody{rng: rng, rejectProb: *rejectProb},
		Capabilities: map[string]sense.CapabilityDescriptor{
			simCapabilityID: {CapabilityInstanceID: "sim-instance-1"},
		},
	})

	queue := ingress.New(*cycles+1, log)
	cortexFunc := syntheticCortex(rng, *actsPerCycle, *costMin, *costMax)
	metrics := observability.NewMetrics()
	orchestrator := stem.New(queue, cortexFunc, cont, led, sp, log).WithMetrics(metrics)

	ctx := context.Background()
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orchestrator.Run(ctx)
	}()

	results := make([]cycleResult, 0, *cycles)
	for i := 0; i < *cycles; i++ {
		datum := sense.SenseDatum{
			SenseID: fmt.Sprintf("sim-%d", i),
			Source:  "stem-sim",
		}
		if err := queue.Send(ctx, sense.NewDomain(datum)); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: send failed at cycle %d: %v\n", i, err)
			os.Exit(1)
		}
		// CurrentCycleID is set at the very end of runCycle, after
		// dispatch and reap_expired have both completed, so waiting
		// for it to reach i+1 is a genuine post-cycle barrier rather
		// than a guess at the consumer goroutine's scheduling.
		if !waitForCycle(metrics, uint64(i+1), 5*time.Second) {
			fmt.Fprintf(os.Stderr, "ERROR: cycle %d did not complete within timeout\n", i)
			os.Exit(1)
		}
		snap := led.PhysicalSnapshot()
		results = append(results, cycleResult{
			cycle:            i,
			balanceMicro:     snap.AvailableSurvivalMicro,
			openReservations: snap.OpenReservationCount,
		})
	}

	if err := stem.Shutdown(ctx, queue); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: shutdown failed: %v\n", err)
		os.Exit(1)
	}
	if err := <-runErrCh; err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: loop returned error: %v\n", err)
		os.Exit(1)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"cycle", "balance_micro", "open_reservations"})
	floorBreaches := 0
	for _, r := range results {
		_ = w.Write([]string{
			strconv.Itoa(r.cycle),
			strconv.FormatInt(r.balanceMicro, 10),
			strconv.Itoa(r.openReservations),
		})
		if r.balanceMicro < *floor {
			floorBreaches++
		}
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== FLOOR INVARIANT RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Cycles driven:  %d\n", *cycles)
	fmt.Fprintf(os.Stderr, "Floor:          %d micro\n", *floor)
	fmt.Fprintf(os.Stderr, "Final balance:  %d micro\n", led.Balance())
	fmt.Fprintf(os.Stderr, "Floor breaches: %d\n", floorBreaches)

	if floorBreaches == 0 {
		fmt.Fprintln(os.Stderr, "RESULT: PASS — balance never dropped below floor")
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "RESULT: FAIL — floor invariant violated, this is a regression")
	os.Exit(2)
}

type cycleResult struct {
	cycle            int
	balanceMicro     int64
	openReservations int
}

// waitForCycle polls the CurrentCycleID gauge until it reaches target
// or timeout elapses.
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

// gaugeValue reads a Prometheus gauge's current value without going
// through the scrape/text-format path, the same mechanism
// promhttp-independent test helpers use internally.
func gaugeValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

// syntheticCortex builds a cortex.Func that reacts to every Domain
// sense by emitting actsPerCycle acts against the fake sim endpoint,
// each requesting a random survival cost in [costMin, costMax].
// Control senses (sleep, capability patch/drop) pass through with an
// unchanged cognition state and no acts, matching cortex.Noop.
func syntheticCortex(rng *rand.Rand, actsPerCycle int, costMin, costMax int64) cortex.Func {
	var seq uint64
	return func(_ context.Context, s sense.Sense, _ physical.State, cg cognition.State) (cortex.Output, error) {
		if s.Kind() != sense.KindDomain {
			return cortex.Output{NewCognitionState: cg}, nil
		}

		acts := make([]act.Act, 0, actsPerCycle)
		for i := 0; i < actsPerCycle; i++ {
			seq++
			cost := costMin
			if costMax > costMin {
				cost += rng.Int63n(costMax - costMin + 1)
			}
			acts = append(acts, act.Act{
				ActID:                fmt.Sprintf("sim-act-%d", seq),
				BasedOn:              []string{s.Domain().SenseID},
				EndpointID:           simEndpointID,
				CapabilityID:         simCapabilityID,
				CapabilityInstanceID: "sim-instance-1",
				RequestedResources:   act.RequestedResources{SurvivalMicro: cost},
			})
		}
		return cortex.Output{NewCognitionState: cg, Acts: acts}, nil
	}
}

// fakeBody is a synthetic body endpoint client: it applies an act with
// probability (1 - rejectProb), reporting no actual cost so the
// reservation settles at its full reserved amount.
type fakeBody struct {
	rng        *rand.Rand
	rejectProb float64
}

func (f *fakeBody) Dispatch(_ context.Context, req *bodywire.ActRequest) (*bodywire.ActResult, error) {
	if f.rng.Float64() < f.rejectProb {
		return &bodywire.ActResult{ActID: req.ActID, Applied: false, ReasonCode: "sim_rejected"}, nil
	}
	return &bodywire.ActResult{ActID: req.ActID, Applied: true}, nil
}
