package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/cache"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/events"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/metrics"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/receive"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/spool"
	"github.com/lydakis/jul/receive/internal/storage"
)

// loadConfig resolves the config file and applies the flag overrides.
func (o *rootOptions) loadConfig() (config.Config, string, error) {
	path := config.Path(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if o.repo != "" {
		cfg.Storage.Repo = o.repo
	}
	if o.db != "" {
		cfg.Storage.DB = o.db
	}
	return cfg, path, nil
}

// backend holds what every session of the process shares.
type backend struct {
	repo    *gitrepo.Repository
	store   *storage.Store
	broker  *events.Broker
	cache   *cache.ChangeCache
	metrics *metrics.Metrics
}

func openBackend(cfg config.Config, reg prometheus.Registerer) (*backend, error) {
	repo, err := gitrepo.Open(cfg.Storage.Repo)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DB)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Storage.DB, err)
	}
	return &backend{
		repo:    repo,
		store:   store,
		broker:  events.NewBroker(),
		cache:   cache.NewChangeCache(store),
		metrics: metrics.New(reg),
	}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}

// session builds a session over the current config.
func (b *backend) session(cfg config.Config, user permission.User, opts receive.Options) (*receive.Session, error) {
	rules, err := permission.FromConfig(cfg.Permissions)
	if err != nil {
		return nil, err
	}
	return receive.New(receive.Deps{
		Repo:        b.repo,
		Store:       b.store,
		Permissions: rules,
		Config:      cfg,
		Broker:      b.broker,
		Cache:       b.cache,
		Metrics:     b.metrics,
	}, user, opts), nil
}

func (b *backend) runBatch(ctx context.Context, cfg config.Config, batch *spool.Batch, opts receive.Options) (*receive.Result, error) {
	cmds, err := batch.PushCommands(b.repo)
	if err != nil {
		return nil, err
	}
	s, err := b.session(cfg, batch.User, opts)
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, cmds, batch.Options)
}

func newProcessCommand(opt *rootOptions) *cobra.Command {
	var (
		deadline time.Duration
		user     string
	)
	cmd := &cobra.Command{
		Use:   "process FILE",
		Short: "Run one push batch and print the per-ref status",
		Long: `Run one push batch and print the per-ref status.

FILE is a YAML push batch:

  user:
    name: alice
  options: [topic=feature]
  commands:
    - ref: refs/for/master
      old: ""
      new: <commit>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opt.loadConfig()
			if err != nil {
				return err
			}
			batch, err := spool.ReadBatch(args[0])
			if err != nil {
				return err
			}
			if user != "" {
				batch.User = permission.User{Name: user}
			}
			b, err := openBackend(cfg, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			res, err := b.runBatch(cmd.Context(), cfg, batch, receive.Options{
				Sender:         &report.WriterSender{Out: out, Err: cmd.ErrOrStderr()},
				ServerDeadline: deadline,
			})
			if res != nil {
				rejected := 0
				for _, o := range res.Commands {
					if o.Result == command.OK {
						fmt.Fprintf(out, "ok %s\n", o.RefName)
						continue
					}
					rejected++
					fmt.Fprintf(out, "ng %s %s\n", o.RefName, o.Message)
				}
				if err == nil && rejected > 0 {
					err = fmt.Errorf("%d of %d ref updates rejected", rejected, len(res.Commands))
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "server deadline for the push (default receive.deadline)")
	cmd.Flags().StringVar(&user, "user", "", "push as this user instead of the one named in FILE")
	return cmd
}

func newServeCommand(opt *rootOptions) *cobra.Command {
	var dir, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process push batches dropped into a spool directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opt.loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			b, err := openBackend(cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer b.Close()

			holder := config.NewHolder(cfg)
			g, ctx := errgroup.WithContext(cmd.Context())
			if _, err := os.Stat(path); err == nil {
				g.Go(func() error { return config.Watch(ctx, path, holder) })
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					klog.Infof("serving metrics on %s", metricsAddr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					return srv.Shutdown(context.Background())
				})
			}
			w := &spool.Watcher{Dir: filepath.Clean(dir), Handler: func(ctx context.Context, batch *spool.Batch) (*receive.Result, error) {
				return b.runBatch(ctx, holder.Get(), batch, receive.Options{})
			}}
			g.Go(func() error { return w.Run(ctx) })
			klog.Infof("jul-receive %s watching %s", version, dir)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&dir, "spool", "spool", "directory to watch for *"+spool.BatchSuffix+" files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func newInitCommand(opt *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the change database and the repository if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opt.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg, nil)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s and %s\n", cfg.Storage.DB, cfg.Storage.Repo)
			return nil
		},
	}
}
