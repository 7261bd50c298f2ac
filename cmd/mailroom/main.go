// Command mailroom runs the event ingestion and routing service: IMAP
// sources feed the Redis event stream, dispatchers classify and route events
// into workflows, and the approval workflow reviews catalog suggestions.
//
// Configuration comes from a YAML file (-config) with environment overrides;
// see the config package for the full surface. A monitoring HTTP server
// exposes /healthz, /livez and the clue debug endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/mailroom-io/mailroom/approval"
	"github.com/mailroom-io/mailroom/blob"
	bloblocal "github.com/mailroom-io/mailroom/blob/local"
	blobs3 "github.com/mailroom-io/mailroom/blob/s3"
	"github.com/mailroom-io/mailroom/classify"
	classifyanthropic "github.com/mailroom-io/mailroom/classify/anthropic"
	classifyrules "github.com/mailroom-io/mailroom/classify/rules"
	"github.com/mailroom-io/mailroom/config"
	"github.com/mailroom-io/mailroom/dispatch"
	"github.com/mailroom-io/mailroom/engine"
	"github.com/mailroom-io/mailroom/engine/inmem"
	enginetemporal "github.com/mailroom-io/mailroom/engine/temporal"
	eventsmongo "github.com/mailroom-io/mailroom/events/mongo"
	"github.com/mailroom-io/mailroom/imapsource"
	checkpointsmongo "github.com/mailroom-io/mailroom/imapsource/mongo"
	"github.com/mailroom-io/mailroom/intents"
	intentsmongo "github.com/mailroom-io/mailroom/intents/mongo"
	"github.com/mailroom-io/mailroom/lock"
	"github.com/mailroom-io/mailroom/rawmail"
	rawmailmongo "github.com/mailroom-io/mailroom/rawmail/mongo"
	"github.com/mailroom-io/mailroom/stream"
	"github.com/mailroom-io/mailroom/suggest"
	suggestmongo "github.com/mailroom-io/mailroom/suggest/mongo"
	"github.com/mailroom-io/mailroom/supervisor"
	"github.com/mailroom-io/mailroom/telemetry"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		monitorF = flag.String("monitoring-port", "8080", "Health and debug HTTP port")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *monitorF); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, configPath, monitorPort string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Shared clients.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}

	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	if err := mongoClient.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	streamClient, err := stream.New(stream.Options{Redis: rdb})
	if err != nil {
		return err
	}
	locker, err := lock.New(lock.Options{Redis: rdb})
	if err != nil {
		return err
	}

	// Persistence.
	eventStore, err := eventsmongo.New(eventsmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	intentStore, err := intentsmongo.New(intentsmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	if err := intents.EnsureFallback(ctx, intentStore); err != nil {
		return fmt.Errorf("seed intent catalog: %w", err)
	}
	suggestStore, err := suggestmongo.New(suggestmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	mailStore, err := rawmailmongo.New(rawmailmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	checkpoints, err := checkpointsmongo.New(checkpointsmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}

	blobs, err := buildBlobStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	persistor, err := rawmail.NewPersistor(rawmail.PersistorOptions{
		Store:  mailStore,
		Blobs:  blobs,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Workflow engine.
	var eng engine.Engine
	if cfg.Temporal.Enabled {
		tempEng, err := enginetemporal.New(enginetemporal.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			TaskQueue: cfg.Temporal.TaskQueue,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("temporal engine: %w", err)
		}
		defer tempEng.Close()
		eng = tempEng
	} else {
		log.Printf(ctx, "temporal disabled, using the in-process engine")
		inmemEng := inmem.New()
		defer inmemEng.Close()
		eng = inmemEng
	}

	// Suggestions and the approval workflow.
	suggestions, err := suggest.NewService(suggest.ServiceOptions{
		Store: suggestStore,
		Materializers: map[suggest.Kind]suggest.Materializer{
			suggest.KindNewIntent: suggest.IntentMaterializer(intentStore),
		},
		Notifier: engineNotifier{eng: eng},
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	if _, err := approval.Register(ctx, approval.Options{
		Engine:   eng,
		Notifier: logNotifier{log: logger},
		Recorder: suggestionRecorder{suggestions: suggestions, log: logger},
		Logger:   logger,
	}); err != nil {
		return fmt.Errorf("register approval workflow: %w", err)
	}

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return err
	}

	// Workers: one dispatcher per configured consumer, one source per
	// active account.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "mailroom"
	}
	var workers []supervisor.Worker
	for i := 0; i < cfg.Dispatcher.Consumers; i++ {
		d, err := dispatch.New(dispatch.Options{
			Stream:          streamClient,
			Events:          eventStore,
			Intents:         intentStore,
			Classifier:      classifier,
			Thresholds:      cfg.Thresholds(),
			Suggestions:     suggestions,
			Engine:          eng,
			TaskQueue:       cfg.Temporal.TaskQueue,
			Consumer:        fmt.Sprintf("%s-%d", hostname, i),
			ClassifyTimeout: cfg.Dispatcher.ClassifyTimeout.Std(),
			BatchSize:       cfg.Dispatcher.BatchSize,
			Logger:          logger,
			Metrics:         metrics,
		})
		if err != nil {
			return fmt.Errorf("dispatcher %d: %w", i, err)
		}
		workers = append(workers, supervisor.Worker{
			Name: fmt.Sprintf("dispatcher-%d", i),
			Run:  d.Run,
		})
	}
	for _, account := range cfg.Accounts {
		if !account.Active {
			continue
		}
		src, err := imapsource.NewSource(imapsource.SourceOptions{
			Account:     account,
			Dialer:      imapsource.NetDialer{},
			Locker:      locker,
			Checkpoints: checkpoints,
			Persistor:   persistor,
			Stream:      streamClient,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("account %s: %w", account.AccountID, err)
		}
		workers = append(workers, supervisor.Worker{
			Name: "imap-" + account.AccountID,
			Run:  src.Run,
		})
	}

	startMonitoring(ctx, monitorPort,
		streamClient, eventStore, intentStore, suggestStore, mailStore, checkpoints)

	sup, err := supervisor.New(supervisor.Options{Workers: workers, Logger: logger})
	if err != nil {
		return err
	}
	log.Printf(ctx, "mailroom started: %d dispatchers, %d accounts, classifier=%s",
		cfg.Dispatcher.Consumers, len(workers)-cfg.Dispatcher.Consumers, cfg.Classifier.Provider)
	return sup.Run(ctx)
}

// buildBlobStore composes the object store from the configured backends.
// With both configured writes prefer S3 and fall back to local disk; with
// only one configured that backend takes every write.
func buildBlobStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (rawmail.BlobStore, error) {
	var remote blob.Store
	if cfg.Storage.S3.Bucket != "" {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Storage.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Storage.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.Storage.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
		remote, err = blobs3.New(blobs3.Options{Client: client, Bucket: cfg.Storage.S3.Bucket})
		if err != nil {
			return nil, err
		}
	}
	if !cfg.LocalStorageEnabled() {
		return remote, nil
	}
	tokens, err := bloblocal.NewRedisTokens(rdb)
	if err != nil {
		return nil, err
	}
	local, err := bloblocal.New(bloblocal.Options{
		Root:    cfg.Storage.LocalRoot,
		BaseURL: cfg.Storage.LocalBaseURL,
		Tokens:  tokens,
	})
	if err != nil {
		return nil, err
	}
	return blob.NewFallback(remote, local)
}

func buildClassifier(cfg config.Config) (classify.Classifier, error) {
	switch cfg.Classifier.Provider {
	case config.ProviderAnthropic:
		return classifyanthropic.NewFromAPIKey(cfg.Classifier.AnthropicAPIKey, classifyanthropic.Options{
			Model:     cfg.Classifier.Model,
			MaxTokens: cfg.Classifier.MaxTokens,
		})
	default:
		return classifyrules.New(), nil
	}
}

// startMonitoring serves the health checks and clue debug endpoints.
func startMonitoring(ctx context.Context, port string, pingers ...health.Pinger) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		log.Printf(ctx, "monitoring server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "monitoring server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// logNotifier announces approval requests in the service log. Deployments
// with a review channel replace this with a chat or email notifier.
type logNotifier struct {
	log telemetry.Logger
}

func (n logNotifier) Notify(ctx context.Context, req approval.Request) error {
	n.log.Info(ctx, "approval requested",
		"request_id", req.RequestID, "kind", req.Kind, "title", req.Title, "requested_by", req.RequestedBy)
	return nil
}

// suggestionRecorder applies approval decisions to the suggestion that
// raised them. Requests that do not map to a suggestion record only log.
type suggestionRecorder struct {
	suggestions *suggest.Service
	log         telemetry.Logger
}

func (r suggestionRecorder) RecordDecision(ctx context.Context, res approval.Result) error {
	var err error
	switch res.Status {
	case approval.StatusApproved:
		_, err = r.suggestions.Approve(ctx, res.RequestID, res.ReviewerID, res.Comment)
	case approval.StatusRejected:
		_, err = r.suggestions.Reject(ctx, res.RequestID, res.ReviewerID, res.Comment)
	default:
		r.log.Info(ctx, "approval request closed without decision",
			"request_id", res.RequestID, "status", string(res.Status))
		return nil
	}
	if errors.Is(err, suggest.ErrNotFound) {
		r.log.Info(ctx, "approval decision recorded for non-suggestion request", "request_id", res.RequestID)
		return nil
	}
	return err
}

// engineNotifier delivers suggestion review signals to waiting workflows. A
// workflow that never existed or already finished is not an error; the
// review outcome is durable regardless.
type engineNotifier struct {
	eng engine.Engine
}

func (n engineNotifier) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	err = n.eng.SignalWorkflow(ctx, workflowID, "", signalName, data)
	if errors.Is(err, engine.ErrWorkflowNotFound) || errors.Is(err, engine.ErrWorkflowCompleted) {
		return nil
	}
	return err
}
