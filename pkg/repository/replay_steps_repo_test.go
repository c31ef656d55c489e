package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

// stepStore is the contract both durable step stores implement.
type stepStore interface {
	LastAccepted(ctx context.Context, key string) (int64, bool, error)
	Advance(ctx context.Context, key string, step int64) (bool, error)
}

func exerciseStepStore(t *testing.T, store stepStore) {
	t.Helper()
	ctx := context.Background()
	key := uuid.NewString()

	if _, ok, err := store.LastAccepted(ctx, key); err != nil || ok {
		t.Fatalf("LastAccepted() on new key = ok %v, err %v", ok, err)
	}

	steps := []struct {
		step int64
		want bool
	}{
		{step: 100, want: true},
		{step: 100, want: false},
		{step: 99, want: false},
		{step: 101, want: true},
	}
	for _, tt := range steps {
		got, err := store.Advance(ctx, key, tt.step)
		if err != nil {
			t.Fatalf("Advance(%d) error = %v", tt.step, err)
		}
		if got != tt.want {
			t.Errorf("Advance(%d) = %v, want %v", tt.step, got, tt.want)
		}
	}

	last, ok, err := store.LastAccepted(ctx, key)
	if err != nil || !ok || last != 101 {
		t.Errorf("LastAccepted() = %d, %v, %v; want 101", last, ok, err)
	}

	// Only one of many concurrent writers may win a step.
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Advance(ctx, key, 200)
			if err != nil {
				t.Errorf("Advance() error = %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("concurrent Advance winners = %d, want 1", wins.Load())
	}
}

func TestReplayStepsRepository_Advance(t *testing.T) {
	exerciseStepStore(t, NewReplayStepsRepository(testDB(t)))
}

func TestRedisStepStore_Advance(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("Skipping redis test - TEST_REDIS_URL not set")
	}
	client, err := ConnectRedis(context.Background(), RedisConfig{ConnectionURL: url})
	if err != nil {
		t.Fatalf("ConnectRedis() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	exerciseStepStore(t, NewRedisStepStore(client, 0))
}

func TestConnectRedis_BadURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), RedisConfig{ConnectionURL: "not-a-url://"})
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestNewRedisStepStore_DefaultTTL(t *testing.T) {
	s := NewRedisStepStore(nil, 0)
	if s.ttl != DefaultRedisStepTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultRedisStepTTL)
	}
}
