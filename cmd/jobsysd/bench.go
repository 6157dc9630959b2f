package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jobsys/internal/config"
	"jobsys/internal/jobs"
	"jobsys/internal/jobsystem"
	logx "jobsys/pkg/logx"
)

var (
	benchWorkers  int
	benchJobs     int
	benchRounds   int
	benchChannels string
	benchLevel    string
	benchSnapshot bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run an in-process load test and print throughput",
	Long: `bench creates a System with --workers workers, submits --jobs hash jobs spread
round-robin over the --channels masks, waits for every job and prints throughput.
Workers cycle over the same masks; pass "all" to give every worker every lane.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVarP(&benchWorkers, "workers", "w", 4, "number of workers")
	f.IntVarP(&benchJobs, "jobs", "j", 10000, "number of jobs")
	f.IntVar(&benchRounds, "rounds", 64, "sha256 rounds per job")
	f.StringVar(&benchChannels, "channels", "all", "comma separated channel masks, e.g. 0b01,0b10")
	f.StringVar(&benchLevel, "log-level", "warn", "log level")
	f.BoolVar(&benchSnapshot, "snapshot", false, "print the final System snapshot as JSON")
}

func parseMaskList(raw string) ([]jobsystem.Channels, error) {
	var out []jobsystem.Channels
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m, err := config.ParseChannels(part)
		if err != nil {
			return nil, err
		}
		out = append(out, jobsystem.Channels(m))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--channels: at least one mask required")
	}
	return out, nil
}

// checkLaneCoverage fails when some job mask overlaps none of the worker masks,
// since those jobs would never be claimed.
func checkLaneCoverage(workers int, masks []jobsystem.Channels) error {
	for _, m := range masks {
		served := false
		for i := 0; i < workers && !served; i++ {
			served = masks[i%len(masks)].Overlaps(m)
		}
		if !served {
			return fmt.Errorf("--channels mask %s has no worker; raise --workers to at least %d", m, len(masks))
		}
	}
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchWorkers <= 0 || benchJobs <= 0 {
		return fmt.Errorf("--workers and --jobs must be > 0")
	}
	masks, err := parseMaskList(benchChannels)
	if err != nil {
		return err
	}
	if err := checkLaneCoverage(benchWorkers, masks); err != nil {
		return err
	}
	log := logx.NewConsole(benchLevel)

	sys := jobsystem.New(jobsystem.Config{}, jobsystem.WithLogger(log.With(logx.String("comp", "jobsystem"))))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sys.Close(ctx)
	}()
	for i := 0; i < benchWorkers; i++ {
		if err := sys.CreateWorker(fmt.Sprintf("bench-%d", i), masks[i%len(masks)]); err != nil {
			return err
		}
	}

	reg := jobs.Default()
	params := jobs.HashParams(benchRounds, "bench")

	start := time.Now()
	ids := make([]jobsystem.JobID, benchJobs)
	for i := range ids {
		job, err := reg.Build("hash", masks[i%len(masks)], params)
		if err != nil {
			return err
		}
		if ids[i], err = sys.Submit(job); err != nil {
			return err
		}
	}
	submitted := time.Since(start)

	// Split the waits so completion callbacks run on several goroutines.
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	const waiters = 4
	for w := 0; w < waiters; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(ids); i += waiters {
				if err := sys.WaitForJob(gctx, ids[i]); err != nil {
					return fmt.Errorf("job %d: %w", ids[i], err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	took := time.Since(start)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workers=%d jobs=%d masks=%d rounds=%d\n", benchWorkers, benchJobs, len(masks), benchRounds)
	fmt.Fprintf(out, "submit=%s total=%s throughput=%.0f jobs/s\n", submitted, took, float64(benchJobs)/took.Seconds())
	for _, w := range sys.Workers() {
		fmt.Fprintf(out, "  %-10s channels=%s executed=%d\n", w.Name, w.Channels, w.Executed)
	}
	if benchSnapshot {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sys.Snapshot())
	}
	return nil
}
