package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"git.gammaspectra.live/P2Pool/netsim/config"
	"git.gammaspectra.live/P2Pool/netsim/output"
	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/sim/strategy"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

type roundJob struct {
	index  int
	cfg    *config.Config
	params *sim.RoundParams
	sweep  []string
}

type roundOutcome struct {
	result *sim.Result
	round  *sim.Round
	err    error
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	envFile := flag.String("env", "sim.env", "Path of the environment table")
	poolsFile := flag.String("pools", "pools.json", "Path of the pools table")
	strategiesFile := flag.String("strategies", "strategies.json", "Path of the strategy manifest")
	bootstrapFile := flag.String("bootstrap", "historical_blocks.csv", "Path of the difficulty bootstrap CSV")
	sweepsFile := flag.String("sweeps", "", "Optional sweeps file defining per-round permutations")
	snapshotFile := flag.String("snapshot", "", "Resolved config snapshot to re-run instead of the environment table")
	outDir := flag.String("out", ".", "Output directory")
	debugLog := flag.Bool("debug", false, "Log more details")
	flag.Parse()

	if *debugLog {
		log.SetFlags(log.Flags() | log.Lshortfile)
	}

	cfg, err := loadConfig(*envFile, *poolsFile, *strategiesFile, *bootstrapFile, *sweepsFile, *snapshotFile)
	if err != nil {
		log.Fatalf("could not load config: %s", err)
	}
	if err = cfg.Verify(); err != nil {
		log.Fatalf("invalid config: %s", err)
	}

	logFiles, err := openLogSinks(cfg, *outDir)
	if err != nil {
		log.Fatalf("could not open logs: %s", err)
	}
	defer func() {
		for _, f := range logFiles {
			_ = f.Close()
		}
	}()

	jobs, sweepColumns, err := buildJobs(cfg)
	if err != nil {
		log.Fatalf("could not expand rounds: %s", err)
	}

	writer, err := output.New(*outDir, cfg.DataMode, sweepColumns)
	if err != nil {
		log.Fatalf("could not open outputs: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	utils.Logf("[netsim] run %s: %d round(s), %d worker(s), network %sH/s",
		utils.EncodeBinaryNumber(uint64(cfg.Seed)<<20|uint64(len(jobs))),
		len(jobs), cfg.Workers, utils.SiUnits(cfg.NetworkHashrate, 2))

	outcomes := make([]roundOutcome, len(jobs))
	utils.SplitWork(cfg.Workers, uint64(len(jobs)), func(workIndex uint64, _ int) error {
		job := jobs[workIndex]
		outcomes[job.index] = runRound(ctx, job)
		return nil
	})

	failed := false
	for i, job := range jobs {
		o := outcomes[i]
		if o.err != nil {
			utils.Errorf("[netsim] round %d failed: %s", i, o.err)
			failed = true
			continue
		}
		if o.result.Partial {
			utils.Logf("[netsim] round %d finished partially", i)
		}
		if err = writer.WriteRound(i, o.result, o.round, job.sweep); err != nil {
			utils.Errorf("[netsim] round %d write: %s", i, err)
			failed = true
		}
	}

	if err = writer.WriteHistorical(cfg.Bootstrap); err != nil {
		utils.Errorf("[netsim] historical blocks: %s", err)
		failed = true
	}
	if err = writer.WriteSnapshot(cfg); err != nil {
		utils.Errorf("[netsim] config snapshot: %s", err)
		failed = true
	}
	if err = writer.Close(); err != nil {
		utils.Errorf("[netsim] %s", err)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func loadConfig(envFile, poolsFile, strategiesFile, bootstrapFile, sweepsFile, snapshotFile string) (*config.Config, error) {
	var cfg *config.Config

	if snapshotFile != "" {
		data, err := os.ReadFile(snapshotFile)
		if err != nil {
			return nil, err
		}
		cfg = &config.Config{}
		if err = utils.UnmarshalJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("config snapshot: %w", err)
		}
	} else {
		env, err := config.LoadEnv(envFile)
		if err != nil {
			return nil, err
		}
		if cfg, err = config.FromEnv(env); err != nil {
			return nil, err
		}
		if err = cfg.LoadPools(poolsFile); err != nil {
			return nil, err
		}
		if err = cfg.LoadStrategies(strategiesFile); err != nil {
			return nil, err
		}
		if sweepsFile != "" {
			if cfg.Sweeps, err = config.LoadSweeps(sweepsFile); err != nil {
				return nil, err
			}
		}
	}

	bootstrap, err := config.LoadBootstrap(bootstrapFile)
	if err != nil {
		return nil, err
	}
	cfg.Bootstrap = bootstrap
	return cfg, nil
}

func openLogSinks(cfg *config.Config, outDir string) (files []*os.File, err error) {
	level := utils.LogLevelError
	for _, mode := range cfg.LogModes {
		var l utils.LogLevel
		var name string
		switch mode {
		case "info":
			l, name = utils.LogLevelInfo, "info.log"
		case "probe":
			l, name = utils.LogLevelProbe, "probe.log"
		case "stats":
			l, name = utils.LogLevelStats, "stats.log"
		}
		f, ferr := os.Create(filepath.Join(outDir, name))
		if ferr != nil {
			return files, ferr
		}
		files = append(files, f)
		utils.SetSink(l, f)
		level |= l
	}
	// info narration always stays on; without a sink it goes to stderr.
	utils.GlobalLogLevel = level | utils.LogLevelInfo
	return files, nil
}

func buildJobs(cfg *config.Config) (jobs []roundJob, sweepColumns []string, err error) {
	if cfg.Sweep {
		if cfg.Sweeps == nil {
			return nil, nil, fmt.Errorf("SIM_ROUNDS=sweep requires a sweeps file")
		}
		perms := cfg.Sweeps.Permutations()
		for _, leaf := range cfg.Sweeps.Leaves {
			sweepColumns = append(sweepColumns, leaf.Path)
		}
		for i, perm := range perms {
			permCfg, err := cfg.ApplyPermutation(perm)
			if err != nil {
				return nil, nil, err
			}
			// Permutations share the base seed: only the changed scalars
			// move, which tightens sweep-to-sweep variance.
			params, err := permCfg.RoundParams(cfg.Seed)
			if err != nil {
				return nil, nil, err
			}
			values := make([]string, len(perm))
			for j, sv := range perm {
				values[j] = config.FormatSweepValue(sv.Value)
			}
			jobs = append(jobs, roundJob{index: i, cfg: permCfg, params: params, sweep: values})
		}
		return jobs, sweepColumns, nil
	}

	for i := 0; i < cfg.SimRounds; i++ {
		params, err := cfg.RoundParams(cfg.Seed + uint32(i))
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, roundJob{index: i, cfg: cfg, params: params})
	}
	return jobs, nil, nil
}

func runRound(ctx context.Context, job roundJob) roundOutcome {
	round, err := sim.NewRound(job.params, strategy.New)
	if err != nil {
		return roundOutcome{err: err}
	}
	result, err := round.Run(ctx)
	if err != nil {
		return roundOutcome{err: err}
	}
	return roundOutcome{result: result, round: round}
}
