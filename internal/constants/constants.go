package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixDedup = "liminal:dedup:"
)

const (
	DefaultMongoDBName     = "liminal"
	DefaultMongoCollection = "messages"
	DefaultPostgresTable   = "liminal_messages"
)

const (
	ShutdownTimeout = 30 * time.Second
)

const (
	DefaultTTLSeconds = 3600
)

const (
	DefaultField = "value"
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

const (
	HashSHA256 = "sha256"
	HashMD5    = "md5"
)
