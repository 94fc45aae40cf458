/*
Copyright 2020 GramLabs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/breeder"
	"github.com/godon-dev/breeder/internal/config"
	"github.com/godon-dev/breeder/internal/coordinator"
	"github.com/godon-dev/breeder/internal/effect"
	"github.com/godon-dev/breeder/internal/exec"
	"github.com/godon-dev/breeder/internal/recon"
	"github.com/godon-dev/breeder/internal/sampler"
	"github.com/godon-dev/breeder/internal/store"
	"github.com/godon-dev/breeder/internal/version"
	"github.com/godon-dev/breeder/storeapi"
)

// RunOptions are the options for running the breeding loops
type RunOptions struct {
	// ConfigFile is the path of the breeder configuration.
	ConfigFile string
	// Verbose enables debug logging.
	Verbose bool
}

// NewRunCommand creates a command that runs breeding until the study
// completes or the process is signaled.
func NewRunCommand(o *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run breeding against the configured targets",

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&o.ConfigFile, "config", "c", "breeder.yaml", "Path of the breeder configuration `file`.")
	cmd.Flags().BoolVarP(&o.Verbose, "verbose", "v", false, "Enable debug logging.")

	return cmd
}

func (o *RunOptions) run(ctx context.Context) error {
	log, flush, err := newLogger(o.Verbose)
	if err != nil {
		return err
	}
	defer flush()

	log.Info("Breeder starting", "version", version.GetInfo().String())

	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return err
	}
	if err := config.Preflight(cfg, log.WithName("preflight")); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	st, err := newStore(cfg, log.WithName("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CreateStudy(ctx, cfg.Study); err != nil {
		if !breederv1alpha1.IsErr(err, breederv1alpha1.ErrStudyConflict) {
			return fmt.Errorf("create study: %w", err)
		}
		log.Info("Resuming existing study", "study", cfg.Study.ID)
	}

	handles := make([]*effect.TargetHandle, 0, len(cfg.Targets))
	for i := range cfg.Targets {
		handles = append(handles, &effect.TargetHandle{
			ID:      cfg.Targets[i].ID,
			Address: cfg.Targets[i].Address,
			// State is unknown until the first verified apply.
			Suspect: true,
		})
	}
	coord := coordinator.New(handles, cfg.Workers.LeaseTTL.Duration(), log.WithName("coordinator"))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "breeder"
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var runErrs error

	for i := 0; i < cfg.Workers.Parallelism; i++ {
		target := cfg.Targets[i%len(cfg.Targets)]
		workerID := fmt.Sprintf("%s-%d", hostname, i)

		w, err := newWorker(cfg, st, coord, target, workerID, log)
		if err != nil {
			return fmt.Errorf("worker %s: %w", workerID, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				runErrs = multierr.Append(runErrs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if best, err := st.BestTrial(context.Background(), &cfg.Study); err == nil {
		log.Info("Best trial",
			"trial", best.ID,
			"assignments", breederv1alpha1.AssignmentKey(best.Assignments),
			"score", store.ObjectiveScore(&cfg.Study, best.Observation))
	}

	return runErrs
}

func newLogger(verbose bool) (logr.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zcfg.Development = true
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zlog), func() { _ = zlog.Sync() }, nil
}

func newStore(cfg *config.Config, log logr.Logger) (store.Store, error) {
	if cfg.Store.URL != "" {
		return storeapi.NewClient(cfg.Store.URL)
	}

	return store.Open(cfg.Store.Path, store.Config{
		Sampler:          newSampler(cfg),
		HeartbeatTimeout: cfg.Store.HeartbeatTimeout.Duration(),
		MaxAttempts:      cfg.Store.MaxAttempts,
	}, log)
}

func newSampler(cfg *config.Config) sampler.Sampler {
	switch cfg.Sampler.Kind {
	case "grid":
		return sampler.NewGrid(cfg.Sampler.GridLevels)
	case "random":
		return sampler.NewRandom(cfg.Sampler.Seed)
	default:
		// Keyed by store identity: every process sharing a remote store
		// gets its own strategy, diversifying the search.
		hostname, _ := os.Hostname()
		return sampler.Diversify(hostname, cfg.Sampler.Seed, cfg.Workers.Parallelism)
	}
}

func newWorker(cfg *config.Config, st store.Store, coord *coordinator.Coordinator, target config.Target, workerID string, log logr.Logger) (*breeder.Worker, error) {
	executor, effector, err := newEffectuator(target, log.WithName("effect"))
	if err != nil {
		return nil, err
	}

	backends := map[recon.QueryType]recon.Backend{
		recon.QueryProbe:   recon.NewProbe(executor),
		recon.QueryDatadog: recon.NewDatadog(cfg.Telemetry.DatadogAggregator),
	}
	if cfg.Telemetry.PrometheusURL != "" {
		prom, err := recon.NewPrometheus(cfg.Telemetry.PrometheusURL)
		if err != nil {
			return nil, err
		}
		backends[recon.QueryPrometheus] = prom
	}
	rec := recon.New(cfg.Recon, backends, log.WithName("recon"))

	metrics := breeder.NewMetrics(cfg.PushgatewayURL, workerID, log.WithName("metrics"))

	return breeder.New(breeder.Config{
		WorkerID:          workerID,
		Study:             &cfg.Study,
		TargetID:          target.ID,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval.Duration(),
		AcquireTimeout:    cfg.Workers.AcquireTimeout.Duration(),
		RetryBudget:       cfg.Workers.RetryBudget.Duration(),
	}, st, coord, effector, rec, metrics, log.WithName("worker")), nil
}

func newEffectuator(target config.Target, log logr.Logger) (exec.Executor, effect.Effectuator, error) {
	switch target.Channel {
	case config.ChannelLocal:
		executor := exec.Local{}
		return executor, effect.NewSysctl(executor, log), nil

	case config.ChannelAPI:
		api, err := effect.NewAPI(target.Address, log)
		if err != nil {
			return nil, nil, err
		}
		// Probe queries still run locally for API targets.
		return exec.Local{}, api, nil

	default:
		sshCfg := exec.SSHConfig{
			Address:  target.Address,
			Username: target.Username,
			Password: target.Password,
		}
		if target.PrivateKeyFile != "" {
			key, err := os.ReadFile(target.PrivateKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("read private key for target %q: %w", target.ID, err)
			}
			sshCfg.PrivateKey = key
		}
		executor, err := exec.NewSSH(sshCfg)
		if err != nil {
			return nil, nil, err
		}
		return executor, effect.NewSysctl(executor, log), nil
	}
}
