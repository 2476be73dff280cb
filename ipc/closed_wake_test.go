package ipc_test

import (
	"context"
	"testing"
	"time"

	"veridian/defs"
	"veridian/ipc"
	"veridian/proc"
)

// TestBlockedReceiverWokenByClose covers a thread T that blocks on
// Receive(E) while the last capability to E is dropped elsewhere
// (DropRef reaching zero). T must wake with ChannelClosed.
func TestBlockedReceiverWokenByClose(t *testing.T) {
	reg := ipc.NewRegistry()
	e := reg.Create(ipc.Synchronous)

	receiver := proc.NewThread(1, 1, 0)

	resultCh := make(chan defs.ErrCode, 1)
	go func() {
		_, err := e.Receive(context.Background(), receiver)
		resultCh <- err
	}()

	// Give the receiver goroutine time to park on Receive before the
	// last reference drops.
	time.Sleep(20 * time.Millisecond)
	e.DropRef()

	select {
	case err := <-resultCh:
		if err != defs.ChannelClosed {
			t.Fatalf("expected ChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was never woken after endpoint close")
	}
}
