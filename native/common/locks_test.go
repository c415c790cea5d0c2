package common

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockTableSerialisesSameKey(t *testing.T) {
	table := NewLockTable(time.Second)
	release, err := table.Acquire("beneficiary/b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var second sync.WaitGroup
	second.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer second.Done()
		release2, err := table.Acquire("beneficiary/b1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	second.Wait()
}

func TestLockTableBoundedWait(t *testing.T) {
	table := NewLockTable(50 * time.Millisecond)
	release, err := table.Acquire("acct/a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := table.Acquire("acct/a"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestLockTableMultiKeyOrdering(t *testing.T) {
	table := NewLockTable(time.Second)
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(2)
	// Opposite declaration order on the same key pair; sorted acquisition
	// means neither goroutine can deadlock the other.
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			release, err := table.Acquire("acct/b", "acct/a")
			if err != nil {
				continue
			}
			release()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			release, err := table.Acquire("acct/a", "acct/b")
			if err != nil {
				continue
			}
			release()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lock ordering deadlocked")
	}
}

func TestLockTableDuplicateKeys(t *testing.T) {
	table := NewLockTable(time.Second)
	release, err := table.Acquire("acct/a", "acct/a", "")
	if err != nil {
		t.Fatalf("acquire with duplicates: %v", err)
	}
	release()

	// The key must be reusable after release.
	release, err = table.Acquire("acct/a")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release()
}
