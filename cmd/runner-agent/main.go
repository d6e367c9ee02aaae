package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/compute/fleet/pkg/config"
	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/logging"
	"github.com/vyvo/compute/fleet/pkg/notify"
	"github.com/vyvo/compute/fleet/pkg/runnerclient"
)

func main() {
	root := &cobra.Command{
		Use:           "runner-agent",
		Short:         "Pair with the control plane, heartbeat and follow job notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "runner-agent: %v\n", err)
		os.Exit(1)
	}
}

type agent struct {
	cfg    config.AgentConfig
	client *runnerclient.Client
	logger *logging.Logger
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger := logging.Wrap(zl).Named("agent")
	defer logger.Sync()

	token, paired, err := loadToken(cfg)
	if err != nil {
		return err
	}
	a := &agent{
		cfg:    cfg,
		client: runnerclient.NewClient(cfg.ServerURL, token),
		logger: logger,
	}
	if !paired {
		if err := a.pair(ctx); err != nil {
			return err
		}
	}

	if _, err := a.client.UpdateSystem(ctx, cfg.RunnerID, hostInfo()); err != nil {
		logger.Warn("report system info", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.notificationLoop(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadToken prefers a previously persisted credential over the configured
// pairing credential.
func loadToken(cfg config.AgentConfig) (string, bool, error) {
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		switch {
		case err == nil:
			if token := strings.TrimSpace(string(data)); token != "" {
				return token, true, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", false, fmt.Errorf("read token file: %w", err)
		}
	}
	if cfg.Token == "" {
		return "", false, errors.New("no pairing token configured and no persisted token found")
	}
	return cfg.Token, false, nil
}

func (a *agent) pair(ctx context.Context) error {
	cred, err := a.client.Register(ctx, a.cfg.RunnerID)
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	a.logger.Info("runner paired", "runner_id", cred.ID, "name", cred.Name)
	if a.cfg.TokenFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.TokenFile), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(a.cfg.TokenFile, []byte(cred.Token+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		status, err := a.client.Heartbeat(ctx, a.cfg.RunnerID, controlplane.RunnerStateIdle)
		switch kind := runnerclient.KindOf(err); {
		case err == nil:
			a.logger.Debug("heartbeat", "state", status.State)
		case kind == controlplane.KindAuthenticationFailed || kind == controlplane.KindUnregistered:
			return fmt.Errorf("heartbeat rejected: %w", err)
		case ctx.Err() == nil:
			a.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *agent) notificationLoop(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.client.Subscribe(ctx, a.cfg.RunnerID, func(msg notify.Message) error {
			backoff = time.Second
			return a.handle(ctx, msg)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if kind := runnerclient.KindOf(err); kind == controlplane.KindAuthenticationFailed || kind == controlplane.KindUnregistered {
			return fmt.Errorf("subscribe rejected: %w", err)
		}
		a.logger.Warn("notification stream ended", "error", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *agent) handle(ctx context.Context, msg notify.Message) error {
	job, err := a.client.GetJob(ctx, msg.JobID)
	if err != nil {
		a.logger.Error("fetch notified job", "job_id", msg.JobID, "error", err)
	} else {
		a.logger.Info("job assigned", "job_id", job.ID, "status", job.Status, "executable", job.Executable)
	}
	if err := a.client.Ack(ctx, msg.DeliveryID); err != nil && runnerclient.KindOf(err) != controlplane.KindNotFound {
		return fmt.Errorf("ack %s: %w", msg.DeliveryID, err)
	}
	return nil
}

func hostInfo() map[string]any {
	return map[string]any{
		"system_name":         runtime.GOOS,
		"system_architecture": runtime.GOARCH,
		"system_version":      runtime.Version(),
		"cpu_logical_cores":   runtime.NumCPU(),
	}
}
