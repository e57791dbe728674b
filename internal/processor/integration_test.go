//go:build integration

package processor

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"liminal/internal/config"
	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/internal/stage"
)

// containerDatastores hands out clients for containers started by the test.
type containerDatastores struct {
	redis    *redis.Client
	postgres *sql.DB
	mongo    *mongo.Database
}

func (d *containerDatastores) Redis(context.Context) (*redis.Client, error) {
	if d.redis == nil {
		return nil, fmt.Errorf("redis not started")
	}
	return d.redis, nil
}

func (d *containerDatastores) Postgres(context.Context) (*sql.DB, error) {
	if d.postgres == nil {
		return nil, fmt.Errorf("postgres not started")
	}
	return d.postgres, nil
}

func (d *containerDatastores) Mongo(context.Context) (*mongo.Database, error) {
	if d.mongo == nil {
		return nil, fmt.Errorf("mongodb not started")
	}
	return d.mongo, nil
}

func disableRyuk() {
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	disableRyuk()
	ctx := context.Background()

	container, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	disableRyuk()
	ctx := context.Background()

	container, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase("test_db"),
		postgresmodule.WithUsername("test_user"),
		postgresmodule.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))
	return db
}

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	disableRyuk()
	ctx := context.Background()

	container, err := mongomodule.Run(ctx, "mongo:6")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	require.NoError(t, client.Ping(ctx, nil))
	return client.Database("test_db")
}

func integrationDeps(stores *containerDatastores) Deps {
	deps := testDeps(&bytes.Buffer{})
	deps.Logger = logger.NopLogger()
	deps.Datastores = stores
	return deps
}

func TestDedupRedisStore(t *testing.T) {
	client := startRedis(t)
	deps := integrationDeps(&containerDatastores{redis: client})

	params := map[string]interface{}{
		"store":       "redis",
		"fields":      "device",
		"ttl_seconds": 60,
		"key_prefix":  "it",
	}
	proc := buildWith(t, deps, "dedup", config.RoleTransform, params)
	h := attach(t, proc, config.RoleTransform)
	require.NoError(t, proc.Init(context.Background(), h.pctx))

	_, ok := h.through(map[string]interface{}{"device": "a", "v": 1})
	assert.True(t, ok)
	_, ok = h.through(map[string]interface{}{"device": "a", "v": 2})
	assert.False(t, ok, "same hashed fields within the TTL")
	_, ok = h.through(map[string]interface{}{"device": "b", "v": 1})
	assert.True(t, ok)

	// A second stage sharing the store sees the keys the first one wrote.
	other := buildWith(t, deps, "dedup", config.RoleTransform, params)
	oh := attach(t, other, config.RoleTransform)
	require.NoError(t, other.Init(context.Background(), oh.pctx))
	_, ok = oh.through(map[string]interface{}{"device": "a", "v": 3})
	assert.False(t, ok)
}

func TestPostgresSinkWritesBatches(t *testing.T) {
	db := startPostgres(t)
	deps := integrationDeps(&containerDatastores{postgres: db})

	proc := buildWith(t, deps, "postgres", config.RoleOutput, map[string]interface{}{
		"batch_size":     2,
		"flush_interval": "50ms",
	})
	h := attach(t, proc, config.RoleOutput)
	require.NoError(t, proc.Init(context.Background(), h.pctx))

	first := h.send(map[string]interface{}{"v": 1})
	require.NoError(t, h.step())
	h.send(map[string]interface{}{"v": 2})
	require.NoError(t, h.step())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+constants.DefaultPostgresTable).Scan(&count))
	assert.Equal(t, 2, count)

	var payload string
	require.NoError(t, db.QueryRow(
		"SELECT payload::text FROM "+constants.DefaultPostgresTable+" WHERE id = $1", first.ID,
	).Scan(&payload))
	assert.JSONEq(t, `{"v":1}`, payload)

	// A partial batch is written on close.
	h.send(map[string]interface{}{"v": 3})
	require.NoError(t, h.step())
	require.NoError(t, proc.(stage.Closer).Close(context.Background()))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+constants.DefaultPostgresTable).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestPostgresSinkCustomTable(t *testing.T) {
	db := startPostgres(t)
	deps := integrationDeps(&containerDatastores{postgres: db})

	proc := buildWith(t, deps, "postgres", config.RoleOutput, map[string]interface{}{
		"table":      "readings",
		"batch_size": 1,
	})
	h := attach(t, proc, config.RoleOutput)
	require.NoError(t, proc.Init(context.Background(), h.pctx))

	h.send(map[string]interface{}{"v": 1})
	require.NoError(t, h.step())

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "readings"`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMongoSinkInsertsDocuments(t *testing.T) {
	mdb := startMongo(t)
	deps := integrationDeps(&containerDatastores{mongo: mdb})

	proc := buildWith(t, deps, "mongodb", config.RoleOutput, map[string]interface{}{
		"collection": "readings",
	})
	h := attach(t, proc, config.RoleOutput)
	require.NoError(t, proc.Init(context.Background(), h.pctx))

	msg := h.send(map[string]interface{}{"v": 1})
	require.NoError(t, h.step())

	ctx := context.Background()
	var doc bson.M
	require.NoError(t, mdb.Collection("readings").FindOne(ctx, bson.M{"id": msg.ID}).Decode(&doc))
	assert.Equal(t, "upstream", doc["source"])

	// Re-delivering the same message is not an error.
	require.NoError(t, h.in.Send(ctx, msg))
	require.NoError(t, h.step())
	n, err := mdb.Collection("readings").CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
