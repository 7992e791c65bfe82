package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mistborn/lockd/pkg/adminhttp"
	"github.com/mistborn/lockd/pkg/lock"
	"github.com/mistborn/lockd/pkg/lockd"
	"github.com/mistborn/lockd/pkg/oidc"
	"github.com/mistborn/lockd/pkg/prometheus"
	"github.com/mistborn/lockd/pkg/wisdom"
)

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the lock coordination protocol over tcp",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address the lock protocol listener binds to",
				Sources: flagSources("listen.addr", "LISTEN_ADDR"),
				Value:   ":11311",
			},
			&cli.StringFlag{
				Name:    "admin-addr",
				Usage:   "The address the admin HTTP surface (healthz, metrics, locks) binds to",
				Sources: flagSources("admin.addr", "ADMIN_ADDR"),
				Value:   ":11312",
			},
			&cli.DurationFlag{
				Name:    "default-timeout",
				Usage:   "The timeout applied to an ACQUIRE that does not specify one",
				Sources: flagSources("lock.default-timeout", "LOCK_DEFAULT_TIMEOUT"),
				Value:   30 * time.Second,
			},
			&cli.BoolFlag{
				Name:    "greedy-readers",
				Usage:   "Whether new readers are admitted whenever no writer holds the lock, even with a writer queued",
				Sources: flagSources("lock.greedy-readers", "LOCK_GREEDY_READERS"),
			},
			&cli.StringFlag{
				Name:    "wisdom-file",
				Usage:   "Path to a newline-delimited fortune file served by WISDOM; empty uses the built-in fortunes",
				Sources: flagSources("wisdom.file", "WISDOM_FILE"),
			},
			&cli.StringFlag{
				Name:    "wisdom-reload-schedule",
				Usage:   "Cron spec for reloading --wisdom-file. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage",
				Sources: flagSources("wisdom.reload-schedule", "WISDOM_RELOAD_SCHEDULE"),
				Value:   "@every 5m",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron spec for the read-only consistency sweep over the registry",
				Sources: flagSources("sweep.schedule", "SWEEP_SCHEDULE"),
				Value:   "@every 1m",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "admin-oidc-issuer",
				Usage:   "OIDC issuer URL required to authorize the admin /locks endpoint; unset disables admin auth",
				Sources: flagSources("admin.oidc.issuer", "ADMIN_OIDC_ISSUER"),
			},
			&cli.StringFlag{
				Name:    "admin-oidc-audience",
				Usage:   "Expected audience claim for admin OIDC tokens",
				Sources: flagSources("admin.oidc.audience", "ADMIN_OIDC_AUDIENCE"),
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		wisdomSource := wisdom.New(cmd.String("wisdom-file"))

		lockCfg := lock.Config{
			DefaultTimeout: cmd.Duration("default-timeout"),
			GreedyReaders:  cmd.Bool("greedy-readers"),
		}

		srv := lockd.New(logger, lockCfg, wisdomSource)

		if err := lock.RegisterGaugeCallbacks(srv.Registry().Snapshot); err != nil {
			return fmt.Errorf("error registering lock gauge callbacks: %w", err)
		}

		ln, err := net.Listen("tcp", cmd.String("listen-addr"))
		if err != nil {
			return fmt.Errorf("error binding the lock listener on %q: %w", cmd.String("listen-addr"), err)
		}

		g.Go(func() error {
			<-ctx.Done()

			return ln.Close()
		})

		g.Go(func() error {
			logger.Info().Str("listen_addr", cmd.String("listen-addr")).Msg("lock listener started")

			return srv.Serve(ctx, ln)
		})

		verifier, err := adminVerifier(ctx, cmd)
		if err != nil {
			return err
		}

		var gatherer promclient.Gatherer

		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, prometheusShutdown, err = prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}
		}()

		adminSrv := adminhttp.New(logger, srv.ID(), srv.Registry(), gatherer, verifier)

		adminHTTP := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("admin-addr"),
			Handler:           adminSrv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			return adminHTTP.Close()
		})

		g.Go(func() error {
			logger.Info().Str("admin_addr", cmd.String("admin-addr")).Msg("admin http server started")

			if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("error starting the admin HTTP listener: %w", err)
			}

			return nil
		})

		sched, err := newScheduler(ctx, cmd, srv, wisdomSource, logger)
		if err != nil {
			return err
		}

		sched.Start()

		g.Go(func() error {
			<-ctx.Done()

			stopCtx := sched.Stop()
			<-stopCtx.Done()

			return nil
		})

		return nil
	}
}

// adminVerifier builds the admin surface's OIDC verifier, or returns nil if
// --admin-oidc-issuer was not set, in which case the admin endpoints are
// unauthenticated.
func adminVerifier(ctx context.Context, cmd *cli.Command) (*oidc.Verifier, error) {
	issuer := cmd.String("admin-oidc-issuer")
	if issuer == "" {
		return nil, nil //nolint:nilnil
	}

	cfg := &oidc.Config{
		Policies: []oidc.PolicyConfig{
			{Issuer: issuer, Audience: cmd.String("admin-oidc-audience")},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admin oidc configuration: %w", err)
	}

	verifier, err := oidc.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating the admin oidc verifier: %w", err)
	}

	return verifier, nil
}

// newScheduler wires the wisdom-reload and consistency-sweep cron jobs onto
// the same robfig/cron/v3 scheduler, logging each sweep finding rather than
// correcting it.
func newScheduler(
	_ context.Context,
	cmd *cli.Command,
	srv *lockd.Server,
	wisdomSource *wisdom.Source,
	logger zerolog.Logger,
) (*cron.Cron, error) {
	c := cron.New()

	reloadSchedule, err := cron.ParseStandard(cmd.String("wisdom-reload-schedule"))
	if err != nil {
		return nil, fmt.Errorf("error parsing the wisdom reload schedule: %w", err)
	}

	c.Schedule(reloadSchedule, cron.FuncJob(func() {
		if err := wisdomSource.Reload(); err != nil {
			logger.Warn().Err(err).Msg("failed to reload wisdom file")
		}
	}))

	sweepSchedule, err := cron.ParseStandard(cmd.String("sweep-schedule"))
	if err != nil {
		return nil, fmt.Errorf("error parsing the sweep schedule: %w", err)
	}

	c.Schedule(sweepSchedule, cron.FuncJob(func() {
		findings := srv.Registry().Sweep(time.Now())
		for _, f := range findings {
			logger.Warn().
				Str("lock_id", string(f.LockID)).
				Bool("abandoned", f.Abandoned).
				Bool("past_deadline", f.PastDeadline).
				Msg("consistency sweep found an anomaly")

			if f.Abandoned {
				lock.RecordSweepAnomaly(context.Background(), "abandoned")
			}

			if f.PastDeadline {
				lock.RecordSweepAnomaly(context.Background(), "past_deadline")
			}
		}
	}))

	return c, nil
}
