package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pair.drop/config"
	"pair.drop/internal/api"
	"pair.drop/internal/clock"
	"pair.drop/internal/keygen"
	"pair.drop/internal/logging"
	"pair.drop/internal/session"
	"pair.drop/internal/storage"
	"pair.drop/internal/store"
	"pair.drop/internal/transcode"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Config error")
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		logrus.WithError(err).Fatal("Config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	keys, err := keygen.New(cfg.Sessions.Alphabet, cfg.Sessions.KeyLength, nil)
	if err != nil {
		return fmt.Errorf("key generator: %w", err)
	}

	fs, err := initStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	st, err := initStore(cfg, fs)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer st.Close()

	svc := session.NewService(st, keys, fs, initTranscoder(cfg, fs), clock.Real(), session.Config{
		Extension:    cfg.Upload.Extension,
		IssuerMarker: cfg.Sessions.IssuerMarker,
	})
	router := api.SetupRouter(svc, cfg)

	// No read/write timeouts: an upload to a slow phone connection can
	// take minutes.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"addr":     cfg.Addr(),
			"store":    cfg.Store.Type,
			"storage":  cfg.Storage.Type,
			"keyspace": keys.Keyspace(),
		}).Info("Server starting")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func initStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "minio":
		m := cfg.Storage.Minio
		return storage.NewMinioStorage(ctx, storage.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
		})
	case "s3":
		s := cfg.Storage.S3
		return storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:  s.Endpoint,
			Region:    s.Region,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Bucket:    s.Bucket,
			Prefix:    s.Prefix,
		})
	default:
		return storage.NewDiskStorage(cfg.Storage.Disk.Dir, cfg.Storage.Disk.Wipe)
	}
}

func initStore(cfg *config.Config, fs storage.Storage) (store.Store, error) {
	lifetime := store.Lifetime{
		Idle: cfg.Sessions.ExpireDelay,
		Max:  cfg.Sessions.MaxLifetime,
	}

	switch cfg.Store.Type {
	case "redis":
		return store.NewRedisStore(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, clock.Real(), lifetime, cfg.Store.SweepInterval, session.ExpireHook(fs))
	default:
		return store.NewMemoryStore(clock.Real(), lifetime, session.ExpireHook(fs)), nil
	}
}

func initTranscoder(cfg *config.Config, fs storage.Storage) transcode.Transcoder {
	if !cfg.Transcode.Enabled {
		return nil
	}
	if _, err := exec.LookPath(cfg.Transcode.Command); err != nil {
		logrus.WithError(err).WithField("command", cfg.Transcode.Command).
			Warn("Converter not found, kepub conversion will fail")
	}
	return &transcode.Command{
		Path:    cfg.Transcode.Command,
		Timeout: cfg.Transcode.Timeout,
		Storage: fs,
	}
}
