package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ao/litestack/internal/auth"
	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/cloud/openstack"
	"github.com/ao/litestack/internal/config"
	"github.com/ao/litestack/internal/jobs"
	"github.com/ao/litestack/internal/keys"
	"github.com/ao/litestack/internal/mail"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/remote"
	"github.com/ao/litestack/internal/servers"
	"github.com/ao/litestack/internal/storage"
	"github.com/ao/litestack/internal/web"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// LiteStackServer holds the running components
type LiteStackServer struct {
	config         *config.Config
	storageManager *storage.Manager
	pool           *jobs.Pool
	redisClient    *redis.Client
	natsPublisher  *observability.NATSPublisher
	shutdownTracer func(context.Context) error
	zapLogger      *zap.Logger
	webServer      *web.WebServer
	logger         *logrus.Logger
}

func main() {
	var (
		configPath string
		dataDir    string
		httpAddr   string
	)

	// loadConfig applies command line overrides on top of the file and environment
	loadConfig := func() (*config.Config, *logrus.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if httpAddr != "" {
			cfg.HTTP.Addr = httpAddr
		}

		log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	rootCmd := &cobra.Command{
		Use:   "litestack",
		Short: "LiteStack server control plane",
		Long: `LiteStack provisions OpenStack servers for its users, tracks which
user owns which server and installs catalog software on them over SSH.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			log.Infof("Starting LiteStack %s (built at %s)", Version, BuildTime)
			return runServer(cfg, log)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LITESTACK_CONFIG"), "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "API listen address (overrides the configuration)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE:  rootCmd.RunE,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LiteStack %s (built at %s)\n", Version, BuildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "catalog",
		Short: "List the installable software",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTAG\tDESCRIPTION")
			for _, entry := range catalog.Default().List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", entry.ID, entry.Tag, entry.Description)
			}
			w.Flush()
		},
	})

	var (
		email     string
		superuser bool
	)
	createUserCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.NewManager(cfg.DataDir, log)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			user, token, err := auth.NewManager(store, log).CreateUser(cmd.Context(), email, superuser)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "user:  %s\ntoken: %s\n", user.ID, token)
			return nil
		},
	}
	createUserCmd.Flags().StringVar(&email, "email", "", "Email address of the user")
	createUserCmd.Flags().BoolVar(&superuser, "superuser", false, "Grant superuser rights")
	_ = createUserCmd.MarkFlagRequired("email")

	userCmd := &cobra.Command{Use: "user", Short: "Manage API users"}
	userCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(userCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, log *logrus.Logger) error {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(ctx, cfg, log)
	if server != nil && err != nil {
		shutdownServer(server)
	}
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Infof("LiteStack is listening on %s", server.webServer.Addr())

	// Wait for termination signal
	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()
	shutdownServer(server)

	log.Info("Shutdown complete")
	return nil
}

func createServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*LiteStackServer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &LiteStackServer{
		config: cfg,
		logger: log,
	}

	// Storage
	storageManager, err := storage.NewManager(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}
	server.storageManager = storageManager

	for _, c := range cfg.Configurations {
		if err := storageManager.SaveConfiguration(ctx, c); err != nil {
			return server, fmt.Errorf("failed to seed configuration %q: %w", c.Name, err)
		}
	}

	keyStore, err := keys.NewStore(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return server, fmt.Errorf("failed to create key store: %w", err)
	}

	// Remote execution
	knownHosts := cfg.SSH.KnownHosts
	if knownHosts == "" {
		knownHosts = filepath.Join(cfg.DataDir, "known_hosts")
	}
	hostKeys, err := remote.NewTrustOnFirstUse(knownHosts)
	if err != nil {
		return server, fmt.Errorf("failed to load known hosts: %w", err)
	}
	executor := remote.NewSSHExecutor(hostKeys.Callback(), cfg.SSH.DialTimeout, log)

	// Cloud
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return server, fmt.Errorf("failed to create resilience logger: %w", err)
	}
	server.zapLogger = zapLogger

	provider, err := openstack.New(openstack.Config{
		AuthURL:       cfg.Cloud.AuthURL,
		Username:      cfg.Cloud.Username,
		Password:      cfg.Cloud.Password,
		ProjectName:   cfg.Cloud.ProjectName,
		DomainName:    cfg.Cloud.DomainName,
		Region:        cfg.Cloud.Region,
		PublicNetwork: cfg.Cloud.PublicNetwork,
	}, log, zapLogger)
	if err != nil {
		return server, err
	}

	// Job pool
	var locker jobs.Locker
	switch cfg.Lock.Backend {
	case "redis":
		server.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		if err := server.redisClient.Ping(ctx).Err(); err != nil {
			return server, fmt.Errorf("failed to connect to redis: %w", err)
		}
		options := jobs.DefaultRedisOptions()
		options.KeyPrefix = cfg.Lock.Redis.KeyPrefix
		options.TTL = cfg.Lock.Redis.TTL
		locker = jobs.NewRedisLocker(server.redisClient, options, log)
	default:
		locker = jobs.NewMemoryLocker()
	}

	metrics := observability.NewMetrics()
	server.pool = jobs.NewPool(jobs.Config{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
	}, locker, log).WithObserver(func(r jobs.Result) {
		if r.Err != nil {
			log.WithError(r.Err).WithFields(logrus.Fields{
				"job_id":   r.Job.ID,
				"job":      r.Job.Name,
				"duration": r.Duration,
			}).Warn("Background job failed")
		}
	})
	metrics.QueueDepth(server.pool.Len)
	server.pool.Start()

	// Mail
	var sender mail.Sender = mail.NewLogSender(log)
	if cfg.Mail.Enabled {
		smtpMailer, err := mail.NewSMTPMailer(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		}, log)
		if err != nil {
			return server, fmt.Errorf("failed to create mailer: %w", err)
		}
		sender = smtpMailer
	}
	keyDelivery := mail.NewKeyDelivery(sender, server.pool, filepath.Join(cfg.DataDir, "tmp"), log)

	// Events
	events := observability.MultiPublisher{observability.NewLogPublisher(log)}
	if cfg.Events.NATSURL != "" {
		natsPublisher, err := observability.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject, log)
		if err != nil {
			return server, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		server.natsPublisher = natsPublisher
		events = append(events, natsPublisher)
	}

	// Tracing
	tracerProvider, shutdownTracer, err := observability.NewTracerProvider(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return server, err
	}
	server.shutdownTracer = shutdownTracer
	tracer := tracerProvider.Tracer(observability.TracerName)

	// Core
	cat := catalog.Default()
	runner := servers.NewRunner(storageManager, cat, executor, keyStore, log).
		WithSSHPort(cfg.SSH.Port).
		WithTimeout(cfg.Jobs.Timeout).
		WithMetrics(metrics).
		WithEvents(events).
		WithTracer(tracer)
	provisioner := servers.NewProvisioner(provider, keyStore, log).
		WithWait(cfg.Cloud.PollInterval, cfg.Cloud.CreateTimeout).
		WithHostKeys(hostKeys, cfg.SSH.Port).
		WithTracer(tracer)
	serverManager := servers.NewManager(storageManager, provider, cat, provisioner, runner, server.pool, log).
		WithKeyDelivery(keyDelivery).
		WithHostKeys(hostKeys, cfg.SSH.Port).
		WithMetrics(metrics).
		WithEvents(events).
		WithTracer(tracer)

	// API
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	authManager := auth.NewManager(storageManager, log)
	server.webServer = web.NewWebServer(serverManager, authManager, storageManager, metrics, log, cfg.HTTP.Addr)
	if err := server.webServer.Start(); err != nil {
		return server, fmt.Errorf("failed to start web server: %w", err)
	}

	return server, nil
}

func shutdownServer(server *LiteStackServer) {
	timeout := server.config.HTTP.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop Web Server
	if server.webServer != nil {
		if err := server.webServer.Stop(ctx); err != nil {
			server.logger.Errorf("Failed to stop web server: %v", err)
		}
	}

	// Drain the job pool
	if server.pool != nil {
		if err := server.pool.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			server.logger.Errorf("Failed to stop job pool: %v", err)
		} else if err != nil {
			server.logger.Warn("Job pool did not drain before the shutdown deadline")
		}
	}

	if server.shutdownTracer != nil {
		if err := server.shutdownTracer(ctx); err != nil {
			server.logger.Errorf("Failed to flush traces: %v", err)
		}
	}

	if server.natsPublisher != nil {
		server.natsPublisher.Close()
	}

	if server.redisClient != nil {
		if err := server.redisClient.Close(); err != nil {
			server.logger.Errorf("Failed to close redis client: %v", err)
		}
	}

	if server.zapLogger != nil {
		_ = server.zapLogger.Sync()
	}

	// Close Storage Manager
	if server.storageManager != nil {
		if err := server.storageManager.Close(); err != nil {
			server.logger.Errorf("Failed to close storage manager: %v", err)
		}
	}
}
