package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"liminal/internal/config"
	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/pkg/health"
	"liminal/pkg/migrations"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if !dc.Config.Database.Redis.Configured() {
		return nil, fmt.Errorf("redis is not configured (database.redis.host)")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	if !dc.Config.Database.Postgres.Configured() {
		return nil, fmt.Errorf("postgres is not configured (database.postgres.host)")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.Config.Database.Postgres.User,
		dc.Config.Database.Postgres.Password,
		dc.Config.Database.Postgres.Host,
		dc.Config.Database.Postgres.Port,
		dc.Config.Database.Postgres.DBName,
		dc.Config.Database.Postgres.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dc.Config.Database.RunMigrations {
		if err := migrations.MigratePostgres(db); err != nil {
			db.Close()
			return nil, err
		}
		dc.Logger.Info("PostgreSQL migrations applied")
	}

	dc.Logger.Info("PostgreSQL connected successfully")
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	if !dc.Config.Database.MongoDB.Configured() {
		return nil, fmt.Errorf("mongodb is not configured (database.mongodb.uri)")
	}

	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Info("MongoDB connected successfully")
	return mongoClient, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, redis *redis.Client, postgres *sql.DB, mongo *mongo.Client) []error {
	var errs []error

	if redis != nil {
		if err := redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if postgres != nil {
		if err := postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if mongo != nil {
		if err := mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}

// Connections opens each datastore on first use and shares the client
// between every stage that needs it.
type Connections struct {
	connector *DatabaseConnector
	checks    *health.CheckerRegistry

	mu       sync.Mutex
	redis    *redis.Client
	postgres *sql.DB
	mongo    *mongo.Client
}

func NewConnections(connector *DatabaseConnector) *Connections {
	return &Connections{connector: connector}
}

// RegisterHealth makes every client opened from now on, and every client
// already open, report to checks.
func (c *Connections) RegisterHealth(checks *health.CheckerRegistry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = checks
	if c.redis != nil {
		checks.Register(health.NewRedisChecker(c.redis))
	}
	if c.postgres != nil {
		checks.Register(health.NewPostgreSQLChecker(c.postgres))
	}
	if c.mongo != nil {
		checks.Register(health.NewMongoDBChecker(c.mongo))
	}
}

func (c *Connections) Redis(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis != nil {
		return c.redis, nil
	}
	client, err := c.connector.InitRedis(ctx)
	if err != nil {
		return nil, err
	}
	c.redis = client
	if c.checks != nil {
		c.checks.Register(health.NewRedisChecker(client))
	}
	return client, nil
}

func (c *Connections) Postgres(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postgres != nil {
		return c.postgres, nil
	}
	db, err := c.connector.InitPostgreSQL(ctx)
	if err != nil {
		return nil, err
	}
	c.postgres = db
	if c.checks != nil {
		c.checks.Register(health.NewPostgreSQLChecker(db))
	}
	return db, nil
}

func (c *Connections) Mongo(ctx context.Context) (*mongo.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mongo == nil {
		client, err := c.connector.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		c.mongo = client
		if c.checks != nil {
			c.checks.Register(health.NewMongoDBChecker(client))
		}
	}
	name := c.connector.Config.Database.MongoDB.Database
	if name == "" {
		name = constants.DefaultMongoDBName
	}
	return c.mongo.Database(name), nil
}

func (c *Connections) Close(ctx context.Context) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.connector.ShutdownDatabases(ctx, c.redis, c.postgres, c.mongo)
	c.redis, c.postgres, c.mongo = nil, nil, nil
	return errs
}
