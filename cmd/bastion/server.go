package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsrlabs/bastion/pkg/api"
	"github.com/dsrlabs/bastion/pkg/backup"
	"github.com/dsrlabs/bastion/pkg/balancer"
	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/cache"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/dr"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/failover"
	"github.com/dsrlabs/bastion/pkg/health"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/notify"
	"github.com/dsrlabs/bastion/pkg/poolmon"
	"github.com/dsrlabs/bastion/pkg/registry"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the resilience core",
	Long: `Start the resilience core: service registry, dispatcher, health
prober, cache coordinator, backup engine, failover engine and DR
orchestrator, with the admin HTTP surface on the configured address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "configuration")
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	if err := os.MkdirAll(cfg.Listen.DataDir, 0o755); err != nil {
		return types.Wrap(types.KindAdapter, err, "data directory")
	}
	store, err := storage.NewBoltStore(cfg.Listen.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	clk := clock.NewSystem()
	tracker := metrics.NewTracker(clk)
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold:   cfg.LoadBalancer.FailureThreshold,
		Cooldown:           cfg.LoadBalancer.BreakerCooldown,
		HalfOpenProbeLimit: cfg.LoadBalancer.HalfOpenProbeLimit,
	}, clk, broker)

	reg := registry.New(clk, tracker, breakers, store, broker)
	if err := reg.Rehydrate(); err != nil {
		log.Errorf("failed to rehydrate registry", err)
	}
	dispatcher := balancer.NewDispatcher(reg, tracker, breakers)
	collector := metrics.NewCollector(reg, breakers)
	collector.Start()
	defer collector.Stop()

	prober := health.NewProber(health.Config{
		Interval:         cfg.LoadBalancer.HealthCheckInterval,
		FailureThreshold: cfg.LoadBalancer.FailureThreshold,
	}, clk, broker)
	prober.OnTransition = func(ts health.TargetStatus) {
		if ts.Target.Kind == health.TargetService {
			reg.SetHealth(ts.Target.ID, ts.Status, ts.LastCheck)
		}
	}
	prober.Start()
	defer prober.Stop()

	coordinator := cache.New(cfg.Cache)
	defer coordinator.Close()

	poolMonitor := poolmon.NewMonitor(poolmon.DefaultConfig(),
		coordinator.Telemetry(cfg.Cache.PoolSize), clk, broker)
	poolMonitor.Start()
	defer poolMonitor.Stop()

	notifier := notify.NewLimited(&notify.LogNotifier{}, 10)
	forwarder := notify.NewForwarder(broker, notifier)
	forwarder.Start()
	defer forwarder.Stop()

	backupEngine := backup.NewEngine(cfg.Backup, clk, store, broker)
	stateDir := filepath.Join(cfg.Listen.DataDir, "state")
	for _, component := range backup.AllComponents() {
		source := filepath.Join(stateDir, component)
		if err := os.MkdirAll(source, 0o755); err != nil {
			return types.Wrap(types.KindAdapter, err, "component state directory")
		}
		backupEngine.RegisterAdapter(component, &backup.DirAdapter{
			Source:   source,
			Required: component == backup.ComponentDatabase,
		})
	}
	if cfg.Backup.RemoteUpload {
		remoteDir := filepath.Join(cfg.Backup.BasePath, "remote")
		if err := os.MkdirAll(remoteDir, 0o755); err != nil {
			return types.Wrap(types.KindAdapter, err, "remote backup directory")
		}
		backupEngine.SetRemote(&backup.DirRemoteStore{Dir: remoteDir})
	}

	failoverEngine := failover.NewEngine(failover.Config{
		SequenceTimeout: time.Duration(cfg.DR.FailoverTimeoutMinutes) * time.Minute,
	}, clk, store, broker)
	hooksDir := filepath.Join(cfg.Listen.DataDir, "hooks")
	for _, stepType := range []types.FailoverStepType{
		types.StepDatabaseFailover,
		types.StepLoadBalancerUpdate,
		types.StepDNSUpdate,
		types.StepConfigurationUpdate,
		types.StepServiceRestart,
	} {
		failoverEngine.RegisterAdapter(stepType, &hookAdapter{
			script: filepath.Join(hooksDir, string(stepType)),
		})
	}
	failoverEngine.RegisterAdapter(types.StepHealthCheck, &failover.FuncAdapter{
		ApplyFn: func(ctx context.Context, step types.FailoverStep) error { return nil },
	})
	failoverEngine.RegisterAdapter(types.StepNotification, &notifyAdapter{notifier: notifier})
	failoverEngine.SetVerifier(&siteVerifier{prober: prober})

	orchestrator := dr.New(cfg.DR, cfg.Backup, dr.Deps{
		Clock:    clk,
		Prober:   prober,
		Failover: failoverEngine,
		Backup:   backupEngine,
		Store:    store,
		Broker:   broker,
		Notifier: notifier,
	})
	if cfg.DR.Enabled {
		orchestrator.Start()
		defer orchestrator.Stop()
	}

	server := api.NewServer(api.Deps{
		Registry:   reg,
		Dispatcher: dispatcher,
		Breakers:   breakers,
		Prober:     prober,
		Tracker:    tracker,
		Cache:      coordinator,
		CacheNodes: cfg.Cache.Nodes,
		Backups:    backupEngine,
		Failovers:  failoverEngine,
		DR:         orchestrator,
		Pools:      poolMonitor,
		Store:      store,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Listen.AdminAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// hookAdapter runs a deployment-provided executable for a failover step.
// The hook receives "apply" or "revert" and the step name. A missing
// hook fails the step so misconfigured sites surface immediately.
type hookAdapter struct {
	script string
}

func (a *hookAdapter) run(ctx context.Context, action string, step types.FailoverStep) error {
	if _, err := os.Stat(a.script); err != nil {
		return types.Wrap(types.KindAdapter, err, "failover hook %s not installed", a.script)
	}
	cmd := exec.CommandContext(ctx, a.script, action, step.Name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return types.Wrap(types.KindAdapter, err, "hook %s %s: %s", a.script, action, string(out))
	}
	return nil
}

func (a *hookAdapter) Apply(ctx context.Context, step types.FailoverStep) error {
	return a.run(ctx, "apply", step)
}

func (a *hookAdapter) Revert(ctx context.Context, step types.FailoverStep) error {
	return a.run(ctx, "revert", step)
}

func (a *hookAdapter) Reversible() bool { return true }

// notifyAdapter emits the closing notification step through the alert
// channel; it has no inverse
type notifyAdapter struct {
	notifier notify.Notifier
}

func (a *notifyAdapter) Apply(ctx context.Context, step types.FailoverStep) error {
	a.notifier.Notify(ctx, "failover.step", step.Name, nil)
	return nil
}

func (a *notifyAdapter) Revert(ctx context.Context, step types.FailoverStep) error { return nil }

func (a *notifyAdapter) Reversible() bool { return false }

// siteVerifier passes verification unless the target site's watched
// targets are actively unhealthy. Sites with nothing watched verify
// clean: hook-driven deployments often probe out of band.
type siteVerifier struct {
	prober *health.Prober
}

func (v *siteVerifier) VerifyTarget(ctx context.Context, sequence *types.FailoverSequence) error {
	result := v.prober.CheckSite(ctx, sequence.TargetSite)
	if result.Status == types.HealthUnhealthy {
		return fmt.Errorf("target site %s unhealthy: %s", sequence.TargetSite, result.FailureReason)
	}
	return nil
}
