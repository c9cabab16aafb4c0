package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameSlot_PublishAndLatest(t *testing.T) {
	slot := NewFrameSlot()

	if _, ok := slot.Latest(); ok {
		t.Fatal("Expected empty slot to have no frame")
	}
	if slot.Seq() != 0 {
		t.Errorf("Expected seq 0, got %d", slot.Seq())
	}

	now := time.Now()
	for i := 1; i <= 3; i++ {
		seq := slot.Publish([]byte{byte(i)}, now)
		if seq != uint64(i) {
			t.Errorf("Expected seq %d, got %d", i, seq)
		}
	}

	snap, ok := slot.Latest()
	if !ok {
		t.Fatal("Expected a frame")
	}
	if snap.Seq != 3 || snap.Data[0] != 3 {
		t.Errorf("Expected latest frame 3, got seq=%d data=%v", snap.Seq, snap.Data)
	}

	// Latest はコピーを返す
	snap.Data[0] = 99
	again, _ := slot.Latest()
	if again.Data[0] != 3 {
		t.Error("Expected Latest to return a copy")
	}
}

func TestFrameSlot_WaitForNewer(t *testing.T) {
	slot := NewFrameSlot()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := slot.Wait(ctx, 0)
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		done <- snap
	}()

	time.Sleep(10 * time.Millisecond)
	slot.Publish([]byte("a"), time.Now())

	select {
	case snap := <-done:
		if snap.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", snap.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after publish")
	}

	// 既に新しいフレームがあれば即座に返る
	slot.Publish([]byte("b"), time.Now())
	snap, err := slot.Wait(ctx, 1)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if string(snap.Data) != "b" {
		t.Errorf("Expected frame b, got %s", snap.Data)
	}
}

func TestFrameSlot_WaitCancel(t *testing.T) {
	slot := NewFrameSlot()
	slot.Publish([]byte("a"), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := slot.Wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestFrameSlot_Close(t *testing.T) {
	slot := NewFrameSlot()
	slot.Publish([]byte("a"), time.Now())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := slot.Wait(context.Background(), 1)
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	slot.Close()
	slot.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrSlotClosed) {
			t.Errorf("Expected ErrSlotClosed, got %v", err)
		}
	}

	// クローズ後の公開は無視される
	if seq := slot.Publish([]byte("b"), time.Now()); seq != 1 {
		t.Errorf("Expected seq to stay 1 after close, got %d", seq)
	}

	// 閉じていても最後のフレームは読める
	snap, err := slot.Wait(context.Background(), 0)
	if err != nil || string(snap.Data) != "a" {
		t.Errorf("Expected last frame a, got %q (%v)", snap.Data, err)
	}
}

func TestFrameSlot_Error(t *testing.T) {
	slot := NewFrameSlot()
	cause := errors.New("boom")

	slot.SetError(cause)
	if !errors.Is(slot.Err(), cause) {
		t.Errorf("Expected recorded error, got %v", slot.Err())
	}

	slot.Publish([]byte("a"), time.Now())
	if slot.Err() != nil {
		t.Errorf("Expected publish to clear the error, got %v", slot.Err())
	}
}
