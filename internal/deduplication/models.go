package deduplication

import "time"

type Config struct {
	HashAlgorithm string
	TTL           time.Duration
	OnStoreError  string
	FieldsToHash  []string
	KeyPrefix     string
}
