// Package di wires the process dependencies from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"icebreaker/backend/internal/assist"
	"icebreaker/backend/internal/command"
	"icebreaker/backend/internal/grpcserver"
	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/room"
	"icebreaker/backend/internal/store"
	"icebreaker/backend/internal/store/notify"
	"icebreaker/backend/internal/ws"
	"icebreaker/backend/pkg/cache"
	"icebreaker/backend/pkg/config"
	"icebreaker/backend/pkg/health"
	"icebreaker/backend/pkg/jwt"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/resilience"
	"icebreaker/backend/pkg/secrets"
)

// Container holds all the dependencies for the application
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *gorm.DB
	Notifier notify.Notifier
	Store    *store.Store
	Rooms    *cache.Cache
	Secrets  secrets.Manager
	Tokens   *jwt.Service
	Breaker  *resilience.CircuitBreaker
	Gateway  *assist.Client
	Parser   *command.Parser
	Hub      *ws.Hub
	Health   *health.Checker
	GRPC     *grpcserver.Server

	closers []func() error
}

// New builds every dependency. db is owned by the caller.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: log, DB: db}

	sm, err := newSecrets(cfg, log)
	if err != nil {
		return nil, err
	}
	c.Secrets = sm
	if closer, ok := sm.(*secrets.VaultManager); ok {
		c.closers = append(c.closers, func() error { closer.Close(); return nil })
	}

	n, err := newNotifier(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.Notifier = n
	c.closers = append(c.closers, n.Close)

	c.Store = store.New(db, n, log)
	if err := c.Store.Migrate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := seedRooms(ctx, c.Store, cfg.Server.RoomSeed); err != nil {
		c.Close()
		return nil, err
	}

	if cfg.Cache.Enabled {
		c.Rooms = cache.New(cache.Options{
			TTL:             cfg.Cache.TTL,
			MaxItems:        cfg.Cache.MaxSize,
			CleanupInterval: cfg.Cache.PurgeWindow,
		})
		c.closers = append(c.closers, func() error { c.Rooms.Close(); return nil })
	}

	secret := sm.GetSecretWithDefault(ctx, "jwt_secret", cfg.JWT.Secret)
	c.Tokens, err = jwt.NewService(secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	c.Breaker = resilience.NewCircuitBreaker(resilience.Config{
		Name:             "assist",
		FailureThreshold: cfg.Assistant.FailureThreshold,
		SuccessThreshold: cfg.Assistant.SuccessThreshold,
		RetryTimeout:     cfg.Assistant.RetryTimeout,
		OnStateChange: func(name string, to resilience.State) {
			open := 0.0
			if to == resilience.StateOpen {
				open = 1
			}
			metrics.BreakerState.WithLabelValues(name).Set(open)
		},
	}, log)
	c.Gateway = assist.NewClient(assist.Config{
		BaseURL: cfg.Assistant.BaseURL,
		APIKey:  sm.GetSecretWithDefault(ctx, "assist_api_key", cfg.Assistant.APIKey),
		Timeout: cfg.Assistant.Timeout,
		Breaker: c.Breaker,
	}, log)
	c.Parser = command.NewParser(cfg.Assistant.Persona)

	c.Hub = ws.NewHub(c.NewSession, ws.Options{
		SendRate:       rate.Limit(cfg.Security.SendRate),
		SendBurst:      cfg.Security.SendBurst,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	}, log)

	c.GRPC = grpcserver.New(log)
	c.Health = c.newHealth()
	c.Health.OnChange(c.GRPC.SetServing)

	return c, nil
}

// NewSession builds the session for one participant in one room
func (c *Container) NewSession(roomID, userID string) *room.Session {
	return room.NewSession(room.SessionConfig{RoomID: roomID, UserID: userID}, room.Deps{
		Store:   c.Store,
		Gateway: c.Gateway,
		Parser:  c.Parser,
		Rooms:   c.Rooms,
		Log:     c.Logger,
	})
}

func (c *Container) newHealth() *health.Checker {
	h := health.NewChecker(c.Logger, 0)
	h.RegisterPing("database", c.Store.Ping)
	if p, ok := c.Notifier.(interface{ Ping(context.Context) error }); ok {
		h.RegisterPing("notifier", p.Ping)
	}
	h.RegisterCheck("assistant", false, func(context.Context) (health.Status, string, error) {
		if c.Breaker.State() == resilience.StateOpen {
			return health.StatusDegraded, "circuit open", nil
		}
		return health.StatusUp, "circuit " + string(c.Breaker.State()), nil
	})
	h.RegisterInfo("websocket", func() any {
		return map[string]any{"rooms": c.Hub.ActiveConnections()}
	})
	h.RegisterInfo("assistant_breaker", func() any { return c.Breaker.Metrics() })
	return h
}

// Close releases everything New opened, in reverse order
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func newSecrets(cfg *config.Config, log *logger.Logger) (secrets.Manager, error) {
	if !cfg.Vault.Enabled {
		return secrets.Env{}, nil
	}
	m, err := secrets.NewVaultManager(secrets.VaultConfig{
		Address: cfg.Vault.Address,
		Token:   cfg.Vault.Token,
		Path:    cfg.Vault.Path,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	return m, nil
}

func newNotifier(ctx context.Context, cfg *config.Config, log *logger.Logger) (notify.Notifier, error) {
	switch strings.ToLower(cfg.Notifier.Kind) {
	case "", "memory":
		return notify.NewBroker(), nil
	case "redis":
		n, err := notify.NewRedis(ctx, cfg.Notifier.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return n, nil
	case "rabbitmq":
		n, err := notify.NewRabbit(cfg.Notifier.RabbitURL, cfg.Notifier.RabbitExchange, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier.Kind)
	}
}

// seedRooms creates rooms listed as "id=Title" (or a bare "id")
func seedRooms(ctx context.Context, s *store.Store, seed []string) error {
	for _, entry := range seed {
		id, title, _ := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := s.EnsureRoom(ctx, id, strings.TrimSpace(title)); err != nil {
			return fmt.Errorf("failed to seed room %s: %w", id, err)
		}
	}
	return nil
}
