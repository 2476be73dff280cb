// Command veridian boots the kernel core in-process: it brings up a
// simulated SMP topology, spawns a couple of demo processes that
// exchange an IPC message, and prints the resulting kernel statistics.
// There is no real arch entry point (bootloader and CPU bring-up are
// explicitly out of scope); this is the "cmd" a test
// harness or a future arch trampoline would call into.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"veridian/defs"
	"veridian/ipc"
	"veridian/kernel"
)

func main() {
	cfg := kernel.DefaultConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k, err := kernel.Boot(ctx, cfg, []int{65536, 65536}, 4)
	if err != nil {
		defs.WithSubsystem("boot").Errorf("boot failed: %v", err)
		os.Exit(1)
	}

	metrics := kernel.NewMetrics()

	parent, _ := k.Table.Spawn("demo-parent", findInitPid(k), 0)
	child, childThread := k.Table.Spawn("demo-child", parent.Pid, 0)

	endpoint := k.Endpoints.Create(ipc.Synchronous)
	metrics.Inc("ipc.endpointsCreated", 1)

	done := make(chan struct{})
	go func() {
		parentThread := parent.Threads()[0]
		msg, rerr := endpoint.Receive(context.Background(), parentThread)
		if rerr != defs.OK {
			defs.WithSubsystem("demo").Errorf("receive failed: %v", rerr)
		} else {
			metrics.Inc("ipc.messagesReceived", 1)
			fmt.Printf("parent received %d bytes: %v\n", len(msg.Small), msg.Small)
		}
		close(done)
	}()

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if serr := endpoint.Send(context.Background(), childThread, child.Pid, ipc.Message{Small: payload}); serr != defs.OK {
		defs.WithSubsystem("demo").Errorf("send failed: %v", serr)
	}
	metrics.Inc("ipc.messagesSent", 1)

	<-done

	parent.Exit(0)
	child.Exit(0)
	metrics.Inc("proc.exits", 2)

	fmt.Println("kernel statistics:")
	for name, v := range metrics.Snapshot() {
		fmt.Printf(" %s = %d\n", name, v)
	}
}

// findInitPid returns the PID the init process was actually assigned by
// Boot, so the demo's first spawned process gets the right parent link
// regardless of allocation order.
func findInitPid(k *kernel.Kernel) defs.Pid {
	if init := k.Table.Lookup(1); init != nil {
		return init.Pid
	}
	return 1
}
