package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/migrations"
	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/query-sandbox/pkg/audit"
	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
	"github.com/ekaya-inc/query-sandbox/pkg/sql"
)

// app is the fully wired sandbox shared by every database-backed command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	primary *database.DB
	replica *database.DB // nil when no replica is configured

	definitions services.QueryDefinitionService
	executor    services.QueryExecutionService
	estimator   services.QueryEstimator
}

// loadConfig reads configuration and builds the logger.
func loadConfig(opts *RootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.Version, opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp connects to the configured databases and wires repositories and
// services. The caller must Close the result.
func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	strategy, err := datasource.ParseConnectionStrategy(cfg.Sandbox.ConnectionStrategy)
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionURL())),
		zap.Bool("replica_configured", cfg.Replica.Configured()),
		zap.String("connection_strategy", string(strategy)),
	)

	primary, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionURL(),
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, primary: primary}

	// A nil interface, not a nil *DB, tells the provider there is no replica.
	var replicaPool postgres.Pool
	if cfg.Replica.Configured() && strategy == datasource.ReadPreferred {
		a.replica, err = database.NewConnection(ctx, &database.Config{
			URL:            cfg.Replica.ConnectionURL(),
			MaxConnections: cfg.Replica.MaxConnections,
			Lazy:           true,
		}, logger)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to configure read replica: %w", err)
		}
		replicaPool = a.replica
	}

	auditor := audit.NewSecurityAuditor(logger)
	provider := postgres.NewProvider(primary, replicaPool, strategy, logger, auditor)

	definitionRepo := repositories.NewQueryDefinitionRepository(primary)
	userRepo := repositories.NewUserRepository(primary)
	builder := sql.NewBuilder(cfg.Sandbox.MaxUserLimit)
	substitutor := sql.TemplateSubstitutor{}

	a.definitions = services.NewQueryDefinitionService(definitionRepo, logger)
	a.executor = services.NewQueryExecutionService(definitionRepo, userRepo, provider, substitutor, builder, auditor, logger)
	a.estimator = services.NewQueryEstimator(provider, substitutor, builder,
		cfg.Sandbox.EstimateLimit, cfg.Sandbox.EstimateCacheTTL(), logger)

	return a, nil
}

// migrate applies the embedded schema migrations to the primary.
func (a *app) migrate() error {
	return database.RunMigrations(a.primary, migrations.FS, a.logger)
}

func (a *app) Close() {
	a.estimator.Close()
	if a.replica != nil {
		a.replica.Close()
	}
	a.primary.Close()
	_ = a.logger.Sync()
}
