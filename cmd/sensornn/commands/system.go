package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haivivi/sensornn/pkg/blob"
	"github.com/haivivi/sensornn/pkg/flash"
	"github.com/haivivi/sensornn/pkg/nn"
)

// env holds what every System built by one command invocation shares.
type env struct {
	cfg       nn.Config
	logger    *slog.Logger
	metrics   *nn.Metrics
	backbone  []byte
	streaming []byte
	store     *flash.Badger
	server    *http.Server
}

// newEnv loads the config, the weights and the optional flash database, and
// starts the metrics endpoint.
func newEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: newLogger()}

	if weightsURL != "" {
		src, err := openWeights(weightsURL)
		if err != nil {
			return nil, err
		}
		e.backbone, e.streaming, err = nn.LoadModels(ctx, src, cfg)
		if err != nil {
			return nil, err
		}
		if e.backbone == nil || e.streaming == nil {
			e.logger.Warn("weight source incomplete, generating missing models", "source", weightsURL)
		}
	}

	if flashDB != "" {
		if cfg.Arena.Strategy != nn.StrategyVirtual {
			return nil, fmt.Errorf("--flash-db needs the %s strategy", nn.StrategyVirtual)
		}
		a := cfg.Arena
		e.store, err = flash.NewBadger(flash.BadgerOptions{
			Dir:      flashDB,
			Size:     flash.PageAlign(a.RegionOffset+a.RegionSize, a.PageSize),
			PageSize: a.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open flash db: %w", err)
		}
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		e.metrics = nn.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		e.server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server", "error", err)
			}
		}()
	}
	return e, nil
}

// newSystem initializes a System over the shared environment.
func (e *env) newSystem(ctx context.Context) (*nn.System, error) {
	opts := nn.Options{
		Backbone:  e.backbone,
		Streaming: e.streaming,
		Logger:    e.logger,
		Metrics:   e.metrics,
	}
	if e.store != nil {
		opts.Store = e.store
	}
	sys := nn.New(e.cfg, opts)
	if err := sys.Init(ctx); err != nil {
		return nil, err
	}
	return sys, nil
}

func (e *env) Close() error {
	var errs []error
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, e.server.Shutdown(ctx))
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// openWeights returns a blob source for a directory or an s3://bucket/prefix
// URL. S3 credentials and region come from the standard AWS_* variables;
// AWS_ENDPOINT_URL selects an S3-compatible store.
func openWeights(url string) (blob.Source, error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return blob.NewDir(url)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("invalid weights URL %q: missing bucket", url)
	}
	return blob.NewS3(newS3Client(), bucket, strings.TrimSuffix(prefix, "/")), nil
}

func newS3Client() *s3.Client {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}, nil
		}),
	}
	if ep := os.Getenv("AWS_ENDPOINT_URL"); ep != "" {
		opts.BaseEndpoint = aws.String(ep)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
