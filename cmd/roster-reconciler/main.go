package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lucaslui/hems/roster-reconciler/internal/cache"
	"github.com/lucaslui/hems/roster-reconciler/internal/config"
	"github.com/lucaslui/hems/roster-reconciler/internal/directory"
	"github.com/lucaslui/hems/roster-reconciler/internal/model"
	"github.com/lucaslui/hems/roster-reconciler/internal/mqtt"
	"github.com/lucaslui/hems/roster-reconciler/internal/reference"
	"github.com/lucaslui/hems/roster-reconciler/internal/runtime"
	"github.com/lucaslui/hems/roster-reconciler/internal/session"
	"github.com/lucaslui/hems/roster-reconciler/internal/sink"
	"github.com/lucaslui/hems/roster-reconciler/internal/storage"
	"github.com/lucaslui/hems/roster-reconciler/internal/store"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := config.ParseFlags("roster-reconciler", args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.Version {
		fmt.Println(version)
		return 0
	}

	logger := config.GetLogger()

	cfg, err := config.LoadConfig(flags, logger)
	if err != nil {
		logger.Error().Err(err).Msg("boot: invalid configuration")
		return 1
	}
	logger.Info().Msgf("roster reconciler configs loaded:%s", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := runtime.WatchOperator(ctx, os.Stdin, logger)
	sessionID := uuid.NewString()

	db, err := store.Open(ctx, store.Config{
		Driver:         cfg.DBDriver,
		DSN:            cfg.DBDSN,
		AssetQuery:     cfg.DBAssetQuery,
		SiteGroupQuery: cfg.DBSiteGroupQuery,
		UserCountQuery: cfg.DBUserCountQuery,
		Table:          cfg.TableName,
		DryRun:         cfg.DryRun,
		Logger:         logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("boot: database")
		return 1
	}
	defer db.Close()

	dir, err := directory.NewClient(directory.Config{
		URL:        cfg.APIURL,
		EmployerID: cfg.EmployerID,
		Timeout:    cfg.APITimeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("boot: directory client")
		return 1
	}

	var counts reference.CountCache
	var redisCache *cache.Redis
	if cfg.RedisAddr != "" {
		redisCache = cache.NewRedis(cache.RedisOpts{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisNamespace,
			TTL:       cfg.RedisTTL,
			Logger:    logger,
		})
		defer redisCache.Close()
		counts = redisCache
	}
	resolver := reference.NewResolver(db, dir, counts, logger)

	sinks, err := buildSinks(ctx, cfg, sessionID, db, logger)
	if err != nil {
		logger.Error().Err(err).Msg("boot: sinks")
		return 1
	}

	if err := bootChecks(ctx, cfg, resolver, redisCache, logger); err != nil {
		logger.Error().Err(err).Msg("boot: dependency check")
		closeSinks(sinks, logger)
		return 1
	}

	client, err := mqtt.BuildMQTTClient(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("boot: mqtt client")
		closeSinks(sinks, logger)
		return 1
	}
	defer client.Disconnect()

	connectCtx, connectCancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stop:
			connectCancel()
		case <-connectCtx.Done():
		}
	}()
	err = client.ConnectWithBackoff(connectCtx, 2*time.Second, 30*time.Second)
	connectCancel()
	if err != nil {
		logger.Info().Err(err).Msg("stopped before broker connection")
		closeSinks(sinks, logger)
		return 0
	}

	sess := session.New(session.Options{
		ID:             sessionID,
		CompanyCode:    cfg.CompanyCode,
		QoS:            cfg.MQTTQoS,
		IdleTimeout:    cfg.IdleTimeout,
		QueueSize:      cfg.WorkerQueueSize,
		Workers:        cfg.ProcessingWorkers,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         logger,
	}, client, resolver, sinks)
	client.OnFatal(sess.Fail)

	report, runErr := runSession(ctx, sess, stop, logger)

	logSummary(logger, report)
	closeSinks(sinks, logger)

	if runErr != nil {
		logger.Error().Err(runErr).Msg("session ended with error")
	}
	return exitCode(runErr)
}

// runSession starts sess and blocks until the operator stops it or it ends on
// its own. A connection loss reported before Start has already finished the
// session, so a failed Start still yields that session's report and error.
func runSession(ctx context.Context, sess *session.Session, stop <-chan struct{}, logger zerolog.Logger) (session.Report, error) {
	if err := sess.Start(ctx); err != nil {
		report, runErr := sess.Stop(session.ReasonBusLost)
		if runErr == nil {
			runErr = err
		}
		return report, runErr
	}
	logger.Info().Str("session", sess.ID()).Msg("listening for devices, press enter to stop")

	select {
	case <-stop:
	case <-sess.Done():
	}
	return sess.Stop(session.ReasonOperator)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, session.ErrBusLost):
		return 3
	default:
		return 1
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, sessionID string, db *store.Store, logger zerolog.Logger) (*sink.Multi, error) {
	list := []sink.Sink{sink.FromWriter(db)}

	if path := cfg.CSVPath(); path != "" {
		c, err := sink.NewCSV(path)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}

	if len(cfg.KafkaBrokers) > 0 {
		opts := sink.KafkaOpts{
			Brokers:           cfg.KafkaBrokers,
			Topic:             cfg.KafkaResultsTopic,
			DLQTopic:          cfg.KafkaDLQTopic,
			Partitions:        cfg.KafkaTopicPartitions,
			ReplicationFactor: cfg.KafkaReplicationFactor,
			SessionID:         sessionID,
			Logger:            logger,
		}
		if err := sink.EnsureKafkaTopics(ctx, opts); err != nil {
			return nil, fmt.Errorf("kafka topics: %w", err)
		}
		list = append(list, sink.NewKafka(opts))
	}

	if cfg.InfluxURL != "" {
		list = append(list, sink.NewInflux(sink.InfluxOpts{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}))
	}

	if cfg.S3Endpoint != "" {
		s3, err := storage.NewMinIO(storage.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseTLS:    cfg.S3UseTLS,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		list = append(list, sink.NewArchive(s3, sink.ArchiveOpts{
			SessionID:   sessionID,
			BasePath:    cfg.S3BasePath,
			Compression: cfg.ParquetCompression,
			Logger:      logger,
		}))
	}

	return sink.NewMulti(list...), nil
}

// bootChecks runs the independent startup checks concurrently. Only the
// asset listing is required; an unreachable cache degrades to direct
// directory lookups.
func bootChecks(ctx context.Context, cfg *config.Config, resolver *reference.Resolver, redisCache *cache.Redis, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := resolver.Preload(gctx); err != nil {
			return fmt.Errorf("asset listing: %w", err)
		}
		return nil
	})
	if redisCache != nil {
		g.Go(func() error {
			if err := redisCache.Ping(gctx); err != nil {
				logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, continuing without shared cache")
			}
			return nil
		})
	}
	return g.Wait()
}

func closeSinks(sinks *sink.Multi, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sinks.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("closing result sinks")
	}
}

func logSummary(logger zerolog.Logger, report session.Report) {
	summary := report.Summary()
	logger.Info().
		Str("session", report.SessionID).
		Str("company", report.CompanyCode).
		Str("reason", string(report.Reason)).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Int("devices", len(report.Results)).
		Int("match", summary[model.Match]).
		Int("mismatch", summary[model.Mismatch]).
		Int("inconclusive", summary[model.Inconclusive]).
		Msg("discovery summary")

	for _, res := range report.Results {
		if res.Classification == model.Match {
			continue
		}
		logger.Info().
			Str("serial", res.Key.SerialNumber).
			Int("bus_users", res.BusUserCount).
			Int("reference", res.ReferenceCount).
			Int("difference", res.Difference).
			Str("classification", string(res.Classification)).
			Str("annotation", string(res.Annotation)).
			Msg("attention")
	}
}
