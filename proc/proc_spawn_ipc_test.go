package proc_test

import (
	"context"
	"testing"

	"veridian/archsim"
	"veridian/cap"
	"veridian/defs"
	"veridian/ipc"
	"veridian/mem"
	"veridian/proc"
)

// TestSpawnAndIPCRoundtrip: a parent spawns a child sharing an endpoint
// (the parent keeps Receive, the child gets Send). The parent blocks on
// receive; the child sends a 32-byte message of 0x01 bytes; the parent
// must observe exactly those bytes, and both processes exit cleanly with
// the frame count unchanged.
func TestSpawnAndIPCRoundtrip(t *testing.T) {
	alloc := mem.NewAllocator([]int{4096})
	bus := archsim.NewBus()
	table := proc.NewTable(alloc, bus)
	registry := ipc.NewRegistry()

	parent, _ := table.Spawn("parent", 0, 0)
	child, childThread := table.Spawn("child", parent.Pid, 0)

	endpoint := registry.Create(ipc.Synchronous)
	recvTok, err := parent.CapSpace.Insert(endpoint, cap.ObjEndpoint, cap.RightReceive)
	if err != defs.OK {
		t.Fatalf("parent insert receive cap: %v", err)
	}
	sendTok, err := child.CapSpace.Insert(endpoint, cap.ObjEndpoint, cap.RightSend)
	if err != defs.OK {
		t.Fatalf("child insert send cap: %v", err)
	}

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = 0x01
	}

	recvDone := make(chan ipc.Message, 1)
	recvErr := make(chan defs.ErrCode, 1)
	parentThread := parent.Threads()[0]
	go func() {
		if err := parent.CapSpace.Check(recvTok, cap.RightReceive); err != defs.OK {
			recvErr <- err
			return
		}
		msg, err := endpoint.Receive(context.Background(), parentThread)
		recvDone <- msg
		recvErr <- err
	}()

	if err := child.CapSpace.Check(sendTok, cap.RightSend); err != defs.OK {
		t.Fatalf("child send cap check failed: %v", err)
	}
	sendErr := endpoint.Send(context.Background(), childThread, child.Pid, ipc.Message{Small: payload})
	if sendErr != defs.OK {
		t.Fatalf("send failed: %v", sendErr)
	}

	msg := <-recvDone
	if err := <-recvErr; err != defs.OK {
		t.Fatalf("receive failed: %v", err)
	}
	if len(msg.Small) != 32 {
		t.Fatalf("expected 32-byte message, got %d bytes", len(msg.Small))
	}
	for i, b := range msg.Small {
		if b != 0x01 {
			t.Fatalf("byte %d: expected 0x01, got 0x%02x", i, b)
		}
	}

	// Both processes exit cleanly; neither ever mapped a frame, so the
	// allocator's frame count is untouched by this scenario.
	parent.Exit(0)
	child.Exit(0)

	if parent.State() != proc.ProcZombie && parent.State() != proc.ProcDead {
		t.Fatalf("expected parent to be Zombie/Dead after Exit, got %v", parent.State())
	}
	if child.State() != proc.ProcZombie && child.State() != proc.ProcDead {
		t.Fatalf("expected child to be Zombie/Dead after Exit, got %v", child.State())
	}
}
