// Package main provides the specmemd CLI entry point.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/specmemd/internal/cache"
	"github.com/orneryd/specmemd/internal/config"
	"github.com/orneryd/specmemd/internal/cpumonitor"
	"github.com/orneryd/specmemd/internal/dims"
	"github.com/orneryd/specmemd/internal/encoder"
	"github.com/orneryd/specmemd/internal/lifecycle"
	"github.com/orneryd/specmemd/internal/logging"
	"github.com/orneryd/specmemd/internal/oracle"
	"github.com/orneryd/specmemd/internal/overflow"
	"github.com/orneryd/specmemd/internal/project"
	"github.com/orneryd/specmemd/internal/scheduler"
	"github.com/orneryd/specmemd/internal/socketserver"

	"github.com/dgraph-io/badger/v4"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "specmemd",
		Short: "specmemd - per-project embedding daemon",
		Long: `specmemd is a lazily-loaded, per-project embedding daemon.

It accepts newline-delimited JSON requests over a Unix domain socket,
encodes text with a local ONNX model, adapts the native vector to
whatever dimension the project's database declares, and caches the
result on disk.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("specmemd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the embedding daemon",
		Long:  "Start the embedding daemon, listening on its project's Unix domain socket",
		RunE:  runServe,
	}
	serveCmd.Flags().String("project-path", "", "Project root (defaults to the working directory)")
	rootCmd.AddCommand(serveCmd)

	warmupCmd := &cobra.Command{
		Use:   "warmup",
		Short: "Force-load the encoder without waiting for the first request",
		RunE:  runWarmup,
	}
	warmupCmd.Flags().String("project-path", "", "Project root (defaults to the working directory)")
	rootCmd.AddCommand(warmupCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache and scheduler counters for a running daemon",
		RunE:  runStats,
	}
	statsCmd.Flags().String("project-path", "", "Project root (defaults to the working directory)")
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components holds every piece runServe and runWarmup both need to open
// before they can reach the encoder or the socket server.
type components struct {
	root      string
	projectID project.ID
	cfg       *config.Config
	log       *log.Logger

	db        *badger.DB
	cache     *cache.Cache
	cpu       *cpumonitor.Monitor
	oracle    *oracle.Oracle
	dims      *dims.CompressionStore
	overflow  *overflow.Queue
	lifecycle *lifecycle.Manager
	throttler *scheduler.Throttler
	fifo      *scheduler.FIFOQueue

	killCh   chan struct{}
	killOnce sync.Once
}

func (c *components) Close() {
	if c.lifecycle != nil {
		c.lifecycle.Stop()
		c.lifecycle.Drain()
	}
	if c.throttler != nil {
		c.throttler.Stop()
	}
	if c.oracle != nil {
		c.oracle.Stop()
	}
	if c.overflow != nil {
		c.overflow.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// openComponents resolves the project root and opens every stateful
// dependency the daemon needs, sharing a single BadgerDB handle between
// the overflow queue and the dimension oracle.
func openComponents(projectPathFlag string) (*components, error) {
	cfg := config.LoadFromEnv()
	if projectPathFlag != "" {
		cfg.Project.Path = projectPathFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	root, err := project.Resolve(cfg.Project.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	projectID := project.DeriveID(root)

	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = project.SocketPath(root)
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = project.CacheDir(root)
	}
	dbDir := project.DBDir(root)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	c := &components{root: root, projectID: projectID, cfg: cfg, killCh: make(chan struct{})}
	c.log = logging.New(string(projectID), "daemon")

	c.db, err = badger.Open(badger.DefaultOptions(dbDir).
		WithLogger(logging.NewBadger(string(projectID), "db")))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	c.cache, err = cache.Open(cfg.Cache.Dir, cfg.Cache.MaxBytes)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	c.cache.SetMemoryCapacity(cfg.Cache.MemorySize)

	c.cpu = cpumonitor.New(time.Second)

	encCfg := encoder.Config{
		ModelDir:   cfg.Encoder.ModelDir,
		ORTLibPath: cfg.Encoder.ORTLibPath,
		ThreadMin:  cfg.Encoder.ThreadMin,
		ThreadMax:  cfg.Encoder.ThreadMax,
	}
	loadFn := func() (lifecycle.EncoderHandle, error) {
		return encoder.Load(encCfg)
	}

	// The oracle and compression store both want a native-dimension estimate
	// at construction time, before the lazily-loaded encoder has ever run.
	// See DESIGN.md: this only affects get_dimension/health reporting until
	// the first embed request loads the real encoder.
	const startupDims = 384

	c.oracle, err = oracle.New(c.db, startupDims, cfg.Oracle.RefreshInterval)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("starting dimension oracle: %w", err)
	}

	c.dims = dims.NewCompressionStore(filepath.Join(dbDir, "projections"), startupDims)

	c.lifecycle = lifecycle.New(lifecycle.Config{
		PIDPath:        project.PIDPath(root),
		StatusPath:     project.StatusPath(root),
		ParentPID:      os.Getppid(),
		ParentCmd:      lifecycle.ReadParentCmd(os.Getppid()),
		MaxLoadRetries: cfg.Lifecycle.MaxLoadRetries,
		LoadRetryDelay: cfg.Lifecycle.LoadRetryDelay,
		IdleUnload:     cfg.Lifecycle.IdleUnload,
		KYSTimeout:     cfg.Lifecycle.KYSTimeout,
		ActivityGrace:  cfg.Lifecycle.ActivityGrace,
		StartupGrace:   cfg.Lifecycle.StartupGrace,
		KYSMode:        lifecycle.KYSMode(cfg.Lifecycle.KYSMode),
		Logger:         logging.New(string(projectID), "lifecycle"),
	}, loadFn, func() {
		c.killOnce.Do(func() { close(c.killCh) })
	})

	if cfg.Scheduler.FIFOMode {
		c.fifo = scheduler.NewFIFOQueue(scheduler.FIFOConfig{
			MaxQueue:     cfg.Scheduler.MaxQueue,
			MaxRetries:   cfg.Scheduler.MaxRetries,
			BaseRetry:    cfg.Scheduler.BaseRetry,
			MaxRetry:     cfg.Scheduler.MaxRetry,
			LeaseTimeout: cfg.Scheduler.LeaseTimeout,
			AgePromotion: cfg.Scheduler.AgePromotion,
			DLQCapacity:  cfg.Scheduler.DLQCapacity,
			DLQTTL:       cfg.Scheduler.DLQTTL,
			RejectCPU:    cfg.Scheduler.RejectCPU,
			QueueCPU:     cfg.Scheduler.QueueCPU,
		})
	} else {
		c.throttler = scheduler.NewThrottler(scheduler.ThrottlerConfig{
			BaseDelay:     cfg.Scheduler.BaseDelay,
			MaxRPS:        cfg.Scheduler.MaxRPS,
			Burst:         cfg.Scheduler.Burst,
			BatchDelay:    cfg.Scheduler.BatchDelay,
			BatchCooldown: cfg.Scheduler.BatchCooldown,
			ThreadMin:     cfg.Encoder.ThreadMin,
			ThreadMax:     cfg.Encoder.ThreadMax,
		}, c.cpu, func(n int) {
			// Only touch an encoder that is already resident; scaling must
			// not defeat idle unload by forcing a reload.
			if h, ok := c.lifecycle.Loaded(); ok {
				if e, ok := h.(*encoder.Encoder); ok {
					e.SetThreadMax(n)
				}
			}
		})
	}

	c.overflow, err = overflow.New(c.db, projectID)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("opening overflow queue: %w", err)
	}

	return c, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	projectPath, _ := cmd.Flags().GetString("project-path")

	c, err := openComponents(projectPath)
	if err != nil {
		return err
	}
	defer c.Close()

	c.log.Printf("starting specmemd v%s, project %s (%s)", version, c.root, c.projectID)
	c.log.Printf("socket %s, scheduler fifo=%v", c.cfg.Server.SocketPath, c.cfg.Scheduler.FIFOMode)

	if err := c.lifecycle.WritePID(); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer c.lifecycle.RemovePID()

	go c.lifecycle.RunIdleUnloadLoop()
	go c.lifecycle.RunWatchdogLoop()

	srv := socketserver.New(socketserver.Config{
		SocketPath:    c.cfg.Server.SocketPath,
		MaxWorkers:    c.cfg.Server.MaxWorkers,
		Backlog:       c.cfg.Server.Backlog,
		ConnTimeout:   c.cfg.Server.ConnTimeout,
		DrainInterval: c.cfg.Scheduler.DrainInterval,
		QueueCPU:      c.cfg.Scheduler.QueueCPU,
	}, socketserver.Deps{
		Lifecycle: c.lifecycle,
		Cache:     c.cache,
		Dims:      c.dims,
		CPU:       c.cpu,
		Oracle:    c.oracle,
		Throttler: c.throttler,
		FIFO:      c.fifo,
		Overflow:  c.overflow,
		DB:        c.db,
		Logger:    logging.New(string(c.projectID), "server"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	// Pre-warm so the first real client doesn't pay the cold-load cost;
	// a missing model artifact surfaces on the first request instead.
	go func() {
		c.lifecycle.Encoder()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		c.log.Printf("received %s, shutting down", sig)
	case <-c.killCh:
		c.log.Printf("parent process gone, shutting down")
	case err := <-errCh:
		if err != nil {
			c.log.Printf("listen error: %v, shutting down", err)
		}
	}

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.log.Printf("graceful shutdown timed out")
	}

	return nil
}

func runWarmup(cmd *cobra.Command, args []string) error {
	projectPath, _ := cmd.Flags().GetString("project-path")

	c, err := openComponents(projectPath)
	if err != nil {
		return err
	}
	defer c.Close()

	c.log.Printf("loading encoder")
	if _, err := c.lifecycle.Encoder(); err != nil {
		return fmt.Errorf("warmup failed: %w", err)
	}
	c.log.Printf("encoder loaded and healthy")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	projectPath, _ := cmd.Flags().GetString("project-path")

	root, err := project.Resolve(projectPath)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}

	cfg := config.LoadFromEnv()
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = project.CacheDir(root)
	}

	c, err := cache.Open(cfg.Cache.Dir, cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer c.Close()

	hits, misses := c.Stats()
	fmt.Printf("Project:    %s (%s)\n", root, project.DeriveID(root))
	fmt.Printf("Cache dir:  %s\n", cfg.Cache.Dir)
	fmt.Printf("Cache hits:   %d\n", hits)
	fmt.Printf("Cache misses: %d\n", misses)

	return nil
}
