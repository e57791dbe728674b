package deduplication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/config"
	"liminal/internal/constants"
	"liminal/internal/message"
)

type failingRepository struct {
	err   error
	calls int
}

func (r *failingRepository) SetNX(context.Context, string, interface{}, time.Duration) (bool, error) {
	r.calls++
	return false, r.err
}

func msgWith(source string, payload map[string]interface{}) message.Message {
	return message.New(source, "raw", payload, time.UnixMilli(1_000))
}

func TestHasher(t *testing.T) {
	sha, err := NewHasher(constants.HashSHA256)
	require.NoError(t, err)
	md, err := NewHasher(constants.HashMD5)
	require.NoError(t, err)
	_, err = NewHasher("crc32")
	assert.Error(t, err)

	a := msgWith("s1", map[string]interface{}{"value": 1.5, "meta": map[string]interface{}{"k": "x"}})
	b := msgWith("s1", map[string]interface{}{"value": 1.5, "meta": map[string]interface{}{"k": "y"}})

	tests := []struct {
		name   string
		hasher *Hasher
		fields []string
		same   bool
	}{
		{name: "ignores unlisted fields", hasher: sha, fields: []string{"source", "value"}, same: true},
		{name: "nested path differs", hasher: sha, fields: []string{"meta.k"}, same: false},
		{name: "md5 ignores unlisted fields", hasher: md, fields: []string{"value"}, same: true},
		{name: "id differs per message", hasher: sha, fields: []string{"id"}, same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := tt.hasher.ComputeHash(a, tt.fields)
			require.NoError(t, err)
			hb, err := tt.hasher.ComputeHash(b, tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.same, ha == hb)
		})
	}

	sum, err := md.ComputeHash(a, []string{"value"})
	require.NoError(t, err)
	assert.Len(t, sum, 32)

	_, err = sha.ComputeHash(a, nil)
	assert.Error(t, err)
}

func TestMissingFieldDiffersFromPresentField(t *testing.T) {
	h, err := NewHasher(constants.HashSHA256)
	require.NoError(t, err)

	present, err := h.ComputeHash(msgWith("s", map[string]interface{}{"a": ""}), []string{"a", "b"})
	require.NoError(t, err)
	shifted, err := h.ComputeHash(msgWith("s", map[string]interface{}{"b": ""}), []string{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, present, shifted)
}

func TestMemoryRepositoryExpires(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.UnixMilli(0)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := repo.SetNX(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetNX(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = repo.SetNX(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, repo.Len())
}

func TestServiceCheck(t *testing.T) {
	svc, err := NewService("dedup", NewMemoryRepository(), Config{
		HashAlgorithm: constants.HashSHA256,
		TTL:           time.Minute,
		FieldsToHash:  []string{"source", "value"},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.Check(ctx, msgWith("s1", map[string]interface{}{"value": 1.0}))
	require.NoError(t, err)
	assert.True(t, first)

	dup, err := svc.Check(ctx, msgWith("s1", map[string]interface{}{"value": 1.0, "other": true}))
	require.NoError(t, err)
	assert.False(t, dup)

	other, err := svc.Check(ctx, msgWith("s2", map[string]interface{}{"value": 1.0}))
	require.NoError(t, err)
	assert.True(t, other)
}

func TestServiceStoreErrorFallback(t *testing.T) {
	errStore := errors.New("connection refused")

	tests := []struct {
		name       string
		fallback   string
		wantUnique bool
		wantErr    bool
	}{
		{name: "allow", fallback: constants.FallbackAllow, wantUnique: true},
		{name: "deny", fallback: constants.FallbackDeny, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService("dedup", &failingRepository{err: errStore}, Config{OnStoreError: tt.fallback}, nil)
			require.NoError(t, err)

			unique, err := svc.Check(context.Background(), msgWith("s", map[string]interface{}{"value": 1.0}))
			assert.Equal(t, tt.wantUnique, unique)
			if tt.wantErr {
				assert.ErrorIs(t, err, errStore)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCircuitBreakerRepositoryStopsCallingStore(t *testing.T) {
	inner := &failingRepository{err: errors.New("timeout")}
	repo := NewCircuitBreakerRepository(inner, "dedup-store", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 4; i++ {
		_, err := repo.SetNX(context.Background(), "k", 1, time.Second)
		assert.Error(t, err)
	}
	assert.True(t, repo.IsOpen())
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, "open", repo.State())
}

func TestCircuitBreakerRepositoryDisabled(t *testing.T) {
	repo := NewCircuitBreakerRepository(NewMemoryRepository(), "dedup-store", config.CircuitBreakerConfig{})
	ok, err := repo.SetNX(context.Background(), "k", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "disabled", repo.State())
}
