package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"collabtext/internal/auth"
	"collabtext/internal/cluster"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/hub"
	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
	"collabtext/internal/persist"
	"collabtext/internal/server"
	"collabtext/internal/session"
	"collabtext/internal/store"
)

// app holds the wired components of one collabd node.
type app struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	nodeID  string
	metrics *metrics.Metrics

	redis    *redis.Client
	postgres *store.Postgres
	store    store.Store
	registry *hub.Registry
	server   *server.Server
	closers  []func() error
}

func newApp(ctx context.Context, dir, level string) (*app, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, errors.Wrap(err, "load config failed")
	}
	if level != "" {
		cfg.Log.Level = level
	}
	collablog.SetLogger(cfg.Log.Level)

	a := &app{cfg: cfg, nodeID: cfg.Cluster.NodeID, metrics: metrics.New()}
	if a.nodeID == "" {
		a.nodeID = uuid.NewString()
	}
	a.log = logrus.StandardLogger().WithField("node", a.nodeID)

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	if a.cfg.Storage.Backend == "redis" || a.cfg.Cluster.Locker == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Storage.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "ping redis at %s failed", a.cfg.Storage.RedisAddr)
		}
		a.closers = append(a.closers, a.redis.Close)
	}
	if a.cfg.Storage.Backend == "postgres" || a.cfg.Access.Backend == "postgres" {
		pg, err := store.OpenPostgres(ctx, a.cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		a.postgres = pg
		a.closers = append(a.closers, pg.Close)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return errors.Wrapf(err, "open %s storage failed", a.cfg.Storage.Backend)
	}
	a.store = st

	authn, err := a.authenticator()
	if err != nil {
		return err
	}
	access, err := a.accessChecker()
	if err != nil {
		return err
	}

	gateway := persist.NewGateway(st,
		persist.WithLogger(a.log),
		persist.WithMetrics(a.metrics),
	)
	router := hub.NewRouter(a.log, a.metrics)
	a.registry, err = hub.NewRegistry(access, gateway, router,
		hub.WithDebounce(a.cfg.Persist.Debounce),
		hub.WithFlushTimeout(a.cfg.Persist.FlushTimeout),
		hub.WithRetry(a.cfg.Persist.RetryInitial, a.cfg.Persist.RetryMax),
		hub.WithLocker(a.locker()),
		hub.WithLogger(a.log),
		hub.WithMetrics(a.metrics),
	)
	if err != nil {
		return errors.Wrap(err, "new registry failed")
	}

	sessions := session.NewManager(authn, a.registry,
		session.WithSendBuffer(a.cfg.Server.SendBuffer),
		session.WithMaxAwareness(a.cfg.Server.MaxAwareness),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	router.Attach(sessions)

	a.server = server.New(server.Options{
		ReadLimit:      a.cfg.Server.ReadLimit,
		PingInterval:   a.cfg.Server.PingInterval,
		PongTimeout:    a.cfg.Server.PongTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}, sessions, a.registry, a.metrics, a.log)
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	s := a.cfg.Storage
	switch s.Backend {
	case "memory":
		a.log.Warn("memory storage selected, documents are lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		if err := a.postgres.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store.NewPostgres(a.postgres.DB()), nil
	case "redis":
		return store.NewRedis(a.redis, store.WithRedisPrefix(s.RedisPrefix)), nil
	case "bolt":
		b, err := store.OpenBolt(s.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case "s3":
		return store.OpenS3(store.S3Config{
			Bucket:    s.S3.Bucket,
			Prefix:    s.S3.Prefix,
			Region:    s.S3.Region,
			Endpoint:  s.S3.Endpoint,
			AccessKey: s.S3.AccessKey,
			SecretKey: s.S3.SecretKey,
		}), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", s.Backend)
	}
}

func (a *app) authenticator() (auth.Authenticator, error) {
	c := a.cfg.Auth
	switch c.Mode {
	case "jwt":
		return auth.NewJWTAuthenticator([]byte(c.Secret), c.Issuer, c.Leeway), nil
	case "static":
		tokens := make(auth.StaticTokens, len(c.Tokens))
		for token, user := range c.Tokens {
			tokens[token] = auth.Identity{UserID: user, Name: user}
		}
		a.log.Warn("static tokens enabled, do not use in production")
		return tokens, nil
	default:
		return nil, errors.Errorf("unknown auth mode %q", c.Mode)
	}
}

func (a *app) accessChecker() (auth.AccessChecker, error) {
	c := a.cfg.Access
	if c.Backend == "postgres" {
		return auth.NewPostgresAccess(a.postgres.DB()), nil
	}
	var def auth.Level
	if c.Default != "" {
		l, err := auth.ParseLevel(c.Default)
		if err != nil {
			return nil, errors.Wrap(err, "parse access.default failed")
		}
		def = l
	}
	access := auth.NewStaticAccess(def)
	for _, g := range c.Grants {
		l, err := auth.ParseLevel(g.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "parse grant for %s on %s failed", g.User, g.Document)
		}
		access.Grant(g.Document, g.User, l)
	}
	return access, nil
}

func (a *app) locker() cluster.Locker {
	if a.cfg.Cluster.Locker == "redis" {
		return cluster.NewRedisLocker(a.redis, a.nodeID, a.cfg.Cluster.LeaseTTL, a.log)
	}
	return cluster.LocalLocker{}
}

// Run serves until SIGINT or SIGTERM, then drains sessions and flushes
// every open document.
func (a *app) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		a.close()
		return errors.Wrapf(err, "listen on %s failed", a.cfg.Server.Addr)
	}

	var wg sync.WaitGroup
	if a.cfg.Discovery.Enabled {
		a.discover(ctx, &wg, ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-serveErr:
		a.log.WithError(err).Error("server stopped")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil {
		a.log.WithError(serr).Error("server shutdown incomplete")
	}
	if cerr := a.registry.Close(shutdownCtx); cerr != nil {
		a.log.WithError(cerr).Error("some documents were not flushed")
		if err == nil {
			err = cerr
		}
	}
	wg.Wait()
	a.close()
	return err
}

func (a *app) discover(ctx context.Context, wg *sync.WaitGroup, addr net.Addr) {
	d := a.cfg.Discovery
	_, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(portStr)
	ann, err := discovery.Announce(d.Instance, d.Service, port, a.nodeID)
	if err != nil {
		a.log.WithError(err).Warn("mdns announcement failed")
	} else {
		a.closers = append(a.closers, func() error {
			ann.Shutdown()
			return nil
		})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := discovery.Browse(ctx, d.Service, a.log, func(p discovery.Peer) {
			a.log.WithFields(logrus.Fields{"instance": p.Instance, "host": p.Host, "port": p.Port}).Info("peer node found")
		})
		if err != nil {
			a.log.WithError(err).Warn("mdns browse failed")
		}
	}()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
