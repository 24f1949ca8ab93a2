package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/clients/gmailclient"
	"github.com/jakechorley/shift-notifier/pkg/clients/pushclient"
	"github.com/jakechorley/shift-notifier/pkg/core/delivery"
	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/core/services"
	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
	"github.com/jakechorley/shift-notifier/pkg/db"
	"github.com/jakechorley/shift-notifier/pkg/metrics"
	"github.com/jakechorley/shift-notifier/pkg/postgres"
	"github.com/jakechorley/shift-notifier/pkg/sqlite"
	"github.com/jakechorley/shift-notifier/pkg/utils"
)

// AppContext holds the application dependencies shared across all commands
type AppContext struct {
	Env      string
	Cfg      *config.Config
	Database db.Database
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Ctx      context.Context

	push *pushclient.Client
}

// OpenDatabase connects to the configured store
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (db.Database, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.NewDB(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewRegistry creates a metrics registry with the Go runtime collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Renderer builds the message renderer for the configured time zone
func (a *AppContext) Renderer() (*timezone.Translator, *messages.Renderer, error) {
	tz, err := timezone.New(a.Cfg.TimeZone)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := messages.NewRenderer(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load message templates: %w", err)
	}
	return tz, renderer, nil
}

// Channels builds the delivery channels. Disabled channels are still
// returned so that their deliveries are recorded as skipped.
func (a *AppContext) Channels() ([]delivery.Channel, error) {
	var sender delivery.EmailSender
	if a.Cfg.Email.Enabled {
		client, err := a.gmailClient()
		if err != nil {
			return nil, err
		}
		sender = client
	} else {
		a.Logger.Info("Email channel disabled")
	}

	var publisher delivery.PushPublisher
	if a.Cfg.Push.Enabled {
		client, err := a.PushClient()
		if err != nil {
			return nil, err
		}
		publisher = client
	} else {
		a.Logger.Info("Push channel disabled")
	}

	return []delivery.Channel{
		delivery.NewEmailChannel(sender, a.Database),
		delivery.NewPushChannel(publisher),
	}, nil
}

// PushClient returns the Redis push client, connecting on first use. It
// returns nil when push is disabled.
func (a *AppContext) PushClient() (*pushclient.Client, error) {
	if !a.Cfg.Push.Enabled {
		return nil, nil
	}
	if a.push != nil {
		return a.push, nil
	}

	a.Logger.Info("Connecting to Redis for push delivery")
	client, err := pushclient.NewClient(a.Ctx, a.Cfg.Push.RedisURL, a.Cfg.Push.ChannelPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create push client: %w", err)
	}
	a.push = client
	return client, nil
}

func (a *AppContext) gmailClient() (*gmailclient.Client, error) {
	oauthCfg, err := config.LoadOAuthClientWithEnv(a.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to load OAuth client config: %w", err)
	}

	oauthConfig, err := utils.GetOAuthConfig(oauthCfg)
	if err != nil {
		return nil, err
	}

	token, err := utils.LoadToken(a.Ctx, oauthConfig, a.Env, a.Logger)
	if err != nil {
		if errors.Is(err, utils.ErrNoToken) {
			return nil, fmt.Errorf("no Gmail token for env %q, run authorizeGmail first: %w", a.Env, err)
		}
		return nil, fmt.Errorf("failed to load Gmail token: %w", err)
	}

	a.Logger.Info("Initializing gmail client")
	client, err := gmailclient.NewClient(a.Ctx, oauthConfig, token, a.Cfg.Email.GmailUserID, a.Cfg.Email.GmailSender)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	return client, nil
}

// NewDispatcher wires a dispatcher over the configured channels
func (a *AppContext) NewDispatcher() (*services.Dispatcher, error) {
	channels, err := a.Channels()
	if err != nil {
		return nil, err
	}
	return services.NewDispatcher(a.Database, channels, a.Metrics, a.Logger), nil
}

// DispatchOptions returns the dispatcher bounds from config
func (a *AppContext) DispatchOptions() services.DispatchOptions {
	return services.DispatchOptionsFromConfig(a.Cfg.Dispatch)
}

// Close releases the database and any open clients
func (a *AppContext) Close() {
	if a.push != nil {
		if err := a.push.Close(); err != nil {
			a.Logger.Warn("Failed to close push client", zap.Error(err))
		}
	}
	if a.Database != nil {
		a.Database.Close()
	}
}
