package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

func TestInProcessLockMutualExclusion(t *testing.T) {
	var fileID [16]byte
	fileID[0] = 1

	a := NewInProcess(200 * time.Millisecond)
	b := NewInProcess(200 * time.Millisecond)
	if err := a.Attach(fileID); err != nil {
		t.Fatal(err)
	}
	if err := b.Attach(fileID); err != nil {
		t.Fatal(err)
	}
	defer a.Detach(fileID)
	defer b.Detach(fileID)

	unlockA, err := a.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Lock(context.Background()); err != ErrLockTimeout {
		t.Fatalf("expected timeout while a holds the lock, got %v", err)
	}

	unlockA()

	unlockB, err := b.Lock(context.Background())
	if err != nil {
		t.Fatalf("expected b to acquire lock after a released it: %v", err)
	}
	unlockB()
}

func TestInProcessLockContextCancel(t *testing.T) {
	var fileID [16]byte
	fileID[1] = 1

	a := NewInProcess(time.Second)
	b := NewInProcess(time.Second)
	a.Attach(fileID)
	b.Attach(fileID)
	defer a.Detach(fileID)
	defer b.Detach(fileID)

	unlockA, err := a.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Lock(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestInProcessSharedInfoAcrossHandles(t *testing.T) {
	var fileID [16]byte
	fileID[2] = 1

	a := NewInProcess(0)
	b := NewInProcess(0)
	a.Attach(fileID)
	b.Attach(fileID)
	defer a.Detach(fileID)
	defer b.Detach(fileID)

	unlock, err := a.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	info, _ := a.ReadInfo()
	info.Append(chunk.Chunk{ID: 1})
	if err := a.WriteInfo(info); err != nil {
		t.Fatal(err)
	}
	unlock()

	got, err := b.ReadInfo()
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 {
		t.Fatalf("expected b to observe a's write through the shared entry, got %d chunks", got.Len())
	}
}

func TestInProcessWaitForReadFinish(t *testing.T) {
	var fileID [16]byte
	fileID[3] = 1

	a := NewInProcess(0)
	a.Attach(fileID)
	defer a.Detach(fileID)

	unlock, _ := a.Lock(context.Background())
	info, _ := a.ReadInfo()
	info.Append(chunk.Chunk{ID: 1, ReadCount: 1})
	a.WriteInfo(info)
	unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan error, 1)
	go func() {
		defer wg.Done()
		done <- a.WaitForReadFinish(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	unlock2, _ := a.Lock(context.Background())
	info2, _ := a.ReadInfo()
	chunks := info2.Chunks()
	chunks[0].ReadCount = 0
	info2.Replace(0, chunks[0])
	a.WriteInfo(info2)
	unlock2()
	a.SignalReadFinish()

	wg.Wait()
	if err := <-done; err != nil {
		t.Fatalf("WaitForReadFinish returned error: %v", err)
	}
}
