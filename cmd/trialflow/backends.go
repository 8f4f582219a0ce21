package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trialflow/trialflow/pkg/checkpoint"
	"github.com/trialflow/trialflow/pkg/config"
	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/resilience"
	"github.com/trialflow/trialflow/pkg/storage"
	s3store "github.com/trialflow/trialflow/pkg/storage/s3"
	"github.com/trialflow/trialflow/pkg/telemetry"
)

const lockTTL = 30 * time.Second

// checkpointBackend opens the named backend. The redis backend is also
// returned as the locker guarding the output; it is nil otherwise.
func checkpointBackend(ctx context.Context, name string) (checkpoint.Backend, *checkpoint.RedisBackend, func(), error) {
	noop := func() {}
	c := cfg.Checkpoint

	switch name {
	case "", "none":
		return nil, nil, noop, nil
	case "local":
		b, err := checkpoint.NewLocalBackend(c.Dir)
		if err != nil {
			return nil, nil, noop, err
		}
		return b, nil, noop, nil
	case "redis":
		rc := checkpoint.DefaultRedisConfig(c.Redis.Address)
		rc.Password = c.Redis.Password
		rc.Database = c.Redis.Database
		if c.Redis.Prefix != "" {
			rc.Prefix = c.Redis.Prefix
		}
		rc.TTL = c.Redis.TTL
		rb, err := checkpoint.NewRedisBackend(rc)
		if err != nil {
			return nil, nil, noop, err
		}
		closeRedis := func() { rb.Close() }
		// Keep a local copy so a job can still resume if redis goes away.
		local, err := checkpoint.NewLocalBackend(c.Dir)
		if err != nil {
			slog.Warn("local checkpoint mirror disabled", "error", err)
			return rb, rb, closeRedis, nil
		}
		return checkpoint.NewMultiBackend(rb, local), rb, closeRedis, nil
	case "s3":
		b, err := checkpoint.NewS3Backend(ctx, s3Config(c.S3))
		if err != nil {
			return nil, nil, noop, err
		}
		return b, nil, noop, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown checkpoint backend %q", name)
	}
}

func s3Config(c config.S3Config) s3store.Config {
	sc := s3store.DefaultConfig(c.Bucket, c.Region)
	sc.Endpoint = c.Endpoint
	sc.Prefix = c.Prefix
	sc.UsePathStyle = c.UsePathStyle
	return sc
}

// lockOutput keeps other hosts from writing the same output while this
// job runs. The lock is extended until the returned func is called.
func lockOutput(ctx context.Context, locker *checkpoint.RedisBackend, output string) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.AcquireLock(ctx, "output:"+output, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("output %s is in use: %w", output, err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(context.Background()); err != nil {
					slog.Warn("failed to extend output lock", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		if err := lock.Release(context.Background()); err != nil {
			slog.Warn("failed to release output lock", "error", err)
		}
	}, nil
}

func initTelemetry(ctx context.Context) (func(context.Context) error, error) {
	t := cfg.Telemetry
	oc := telemetry.DefaultOTLPConfig(t.ServiceName)
	oc.Endpoint = t.Endpoint
	oc.ServiceVersion = version
	oc.SamplingRatio = t.SamplingRatio
	return telemetry.InitOTLP(ctx, oc)
}

// remoteStore opens the object storage for publish and fetch. An explicit
// location wins over the configured remote bucket.
func remoteStore(ctx context.Context, location string) (interfaces.ObjectStorage, error) {
	r := cfg.Remote.S3
	if location == "" {
		if r.Bucket == "" {
			return nil, fmt.Errorf("no location given and remote.s3.bucket is not configured")
		}
		location = "s3://" + r.Bucket + "/" + r.Prefix
	}
	store, err := storage.Open(ctx, location, storage.Options{
		Region:       r.Region,
		Endpoint:     r.Endpoint,
		UsePathStyle: r.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	breaker := resilience.NewCircuitBreaker()
	breaker.OnTrip = func(failures int) {
		slog.Warn("remote storage unavailable, pausing calls", "failures", failures)
	}
	return storage.WithRetry(store, resilience.DefaultRetryPolicy(), breaker), nil
}
