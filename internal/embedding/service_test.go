package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestService_AwaitSharedInit(t *testing.T) {
	var calls int32
	svc := NewService(func() (Embedder, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return NewHashEmbedder(8), nil
	}, 8, zap.NewNop())

	svc.Start()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Await(context.Background()); err != nil {
				t.Errorf("Await: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if svc.State() != StateReady {
		t.Errorf("state=%v, want ready", svc.State())
	}
}

func TestService_FailureThenLazyRetry(t *testing.T) {
	var calls int32
	svc := NewService(func() (Embedder, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("model download failed")
		}
		return NewHashEmbedder(8), nil
	}, 8, zap.NewNop())

	if _, err := svc.Await(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("first Await err=%v, want ErrNotReady", err)
	}
	if svc.State() == StateReady {
		t.Fatal("state ready after failed init")
	}

	// Next call retries lazily and succeeds.
	if _, err := svc.Await(context.Background()); err != nil {
		t.Fatalf("retry Await: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("factory called %d times, want 2", got)
	}
}

func TestService_AwaitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	svc := NewService(func() (Embedder, error) {
		<-block
		return NewHashEmbedder(8), nil
	}, 8, zap.NewNop())
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err=%v, want deadline exceeded", err)
	}
}

func TestService_EmbedBatchOrdered(t *testing.T) {
	svc := NewService(func() (Embedder, error) {
		return NewHashEmbedder(8), nil
	}, 8, zap.NewNop())

	texts := []string{"one", "two", "one"}
	got, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(got))
	}
	for i := range got[0] {
		if got[0][i] != got[2][i] {
			t.Fatal("same text produced different embeddings")
		}
	}
}
