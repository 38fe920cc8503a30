package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/edgecache/edged/internal/admin"
	"github.com/edgecache/edged/internal/backend"
	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/config"
	"github.com/edgecache/edged/internal/metrics"
	"github.com/edgecache/edged/internal/pool"
	"github.com/edgecache/edged/internal/session"
	"github.com/edgecache/edged/internal/stats"
	"github.com/edgecache/edged/internal/storage"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

func main() {
	// .env is optional; real deployments configure through the
	// environment or edged.yaml
	_ = godotenv.Load()

	cfg := config.Get()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	m := metrics.New(prometheus.DefaultRegisterer)
	recorder := stats.NewRecorder()
	reqLog := vsl.New(nil)

	// Object stores: malloc primary, unbounded transient, optional
	// redis-backed primary.
	malloc := storage.NewMallocStore("malloc", cfg.Storage.MallocBytes)
	transient := storage.NewMallocStore(storage.Transient, 0)
	var def storage.Store = malloc
	var extra []storage.Store
	if cfg.Storage.Redis.Enabled {
		client, err := storage.NewGoRedisAdapter(cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
		if err != nil {
			slog.Warn("redis store unavailable, using malloc", "error", err)
		} else {
			rs := storage.NewRedisStore(client, cfg.Storage.MallocBytes)
			extra = append(extra, rs)
			if cfg.Storage.Default == "redis" {
				def = rs
			}
		}
	}
	stores := storage.NewRegistry(def, transient, extra...)

	idx := cache.NewIndex()
	expiry := cache.NewExpiry(idx, time.Duration(cfg.Cache.LRUTimeoutSec)*time.Second)

	// Backends and the default director
	var backends []*backend.Backend
	for _, b := range cfg.Backends.Servers {
		br := backend.NewBreaker(backend.BreakerConfig{
			Name:        b.Name,
			MaxFailures: cfg.Backends.BreakerFailures,
		})
		backends = append(backends, backend.NewBackend(
			b.Name, b.Addr,
			time.Duration(cfg.Backends.ConnectMs)*time.Millisecond,
			cfg.Backends.MaxIdlePerHost, br))
	}
	if len(backends) == 0 {
		log.Fatal("no backends configured (set EDGED_BACKENDS or backends.servers)")
	}
	director := backend.NewRoundRobin("default", backends...)

	fetcher := &backend.Fetcher{Timeouts: backend.Timeouts{
		Connect:      time.Duration(cfg.Backends.ConnectMs) * time.Millisecond,
		FirstByte:    time.Duration(cfg.Backends.FirstByteMs) * time.Millisecond,
		BetweenBytes: time.Duration(cfg.Backends.BetweenBytesMs) * time.Millisecond,
	}}

	vclMgr := vcl.NewManager(vcl.NewConfig("builtin", vcl.NewBuiltin(), director))

	p := pool.New(cfg.Workers.QueueSize, 60*time.Second)
	engine := session.NewEngine(cfg, idx, expiry, stores, vclMgr, fetcher, m, recorder, reqLog, p)
	p.Bind(engine, cfg.Workers.Count)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go expiry.Run(ctx, 10*time.Second)

	// Admin surface
	go func() {
		if err := admin.NewServer(engine, recorder, prometheus.DefaultGatherer).Start(cfg.Admin.Addr); err != nil {
			slog.Error("admin server failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listener.Addr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Listener.Addr, err)
	}
	slog.Info("edged listening", "addr", cfg.Listener.Addr)

	// Accept loop with optional rate limiting
	var limiter *rate.Limiter
	if cfg.Listener.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Listener.AcceptRate), cfg.Listener.AcceptBurst)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				slog.Warn("accept failed", "error", err)
				continue
			}
			if limiter != nil && !limiter.Allow() {
				conn.Close()
				continue
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			p.Queue(session.New(conn, cfg.HTTP.ReqSize, cfg.HTTP.ReqSize))
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	ln.Close()
	cancel()
	p.Shutdown(time.Duration(cfg.Listener.ShutdownSec) * time.Second)
}
