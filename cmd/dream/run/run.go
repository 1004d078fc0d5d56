package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamforge/dream-server/internal/app"
	"github.com/dreamforge/dream-server/internal/config"
	"github.com/dreamforge/dream-server/internal/server"
	"github.com/dreamforge/dream-server/internal/worker"
	"github.com/dreamforge/dream-server/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dream server",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", config.DefaultPort, "Port to run the server on")
	flags.String("host", config.DefaultHost, "Host to run the server on")
	flags.Int("tcp-port", config.DefaultTCPPort, "Port the worker backend listens on")
	flags.Int("tcp-timeout", config.DefaultTCPTimeoutSeconds, "Worker request timeout in seconds")
	flags.String("environment", "dev", "Environment configuration")
	flags.String("filesystem-type", "local", "Filesystem type: 'local' or 's3'")
	flags.String("db-path", "", "Path to the sqlite database (empty for in-memory)")
	flags.String("default-mode", "", "Mode to load on startup")
	flags.Int("queue-size", config.DefaultQueueSize, "Maximum number of queued jobs")
	flags.Bool("enable-thumbnails", false, "Also store a downscaled copy of every generated image")

	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region-name", "", "S3 region name")
	flags.String("s3-bucket-name", "", "S3 bucket name")
	flags.String("s3-folder", "", "S3 folder")
	flags.String("s3-public-url", "", "Public URL for S3 files")

	viper.BindPFlags(flags)
	bindEnvs()
}

func bindEnvs() {
	viper.BindEnv("port")
	viper.BindEnv("host")
	viper.BindEnv("tcp_port")
	viper.BindEnv("tcp_timeout")
	viper.BindEnv("environment")
	viper.BindEnv("filesystem_type")
	viper.BindEnv("db_path")
	viper.BindEnv("default_mode")
	viper.BindEnv("queue_size")
	viper.BindEnv("enable_thumbnails")

	viper.BindEnv("s3.access_key")
	viper.BindEnv("s3.secret_key")
	viper.BindEnv("s3.region_name")
	viper.BindEnv("s3.bucket_name")
	viper.BindEnv("s3.folder")
	viper.BindEnv("s3.public_url")
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		return err
	}
	defer log.Sync()

	workerAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort)
	factory := worker.NewRemoteFactory(workerAddr, time.Duration(cfg.TCPTimeout)*time.Second, log)

	application, err := app.NewApp(cfg, log,
		app.WithDB(),
		app.WithScheduler(factory),
		app.WithJobStore(),
		app.WithArtifacts(),
	)
	if err != nil {
		return err
	}

	if cfg.DefaultMode != "" {
		preloadMode(application, cfg.DefaultMode)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	srv.SetupRoutes(application)

	errc := make(chan error, 1)
	go func() {
		log.Info("dream server started",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port))
		errc <- srv.Start()
	}()

	signalc := make(chan os.Signal, 1)
	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-signalc:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Warn("server stop failed", zap.Error(err))
	}
	return application.Close(ctx)
}

// preloadMode queues the default mode load so the first generation does
// not pay the cold-start cost. Startup proceeds even if the load fails.
func preloadMode(application *app.App, mode string) {
	handle, err := application.Pool().SwitchMode(mode)
	if err != nil {
		application.Logger.Warn("failed to queue default mode load",
			zap.String("mode", mode), zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(application.Context(), 10*time.Minute)
		defer cancel()
		if _, err := handle.Await(ctx); err != nil {
			application.Logger.Warn("default mode load failed",
				zap.String("mode", mode), zap.Error(err))
		}
	}()
}
