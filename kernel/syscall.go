package kernel

import (
	"context"
	"time"

	"veridian/cap"
	"veridian/defs"
	"veridian/ipc"
	"veridian/proc"
	"veridian/vm"
)

// Callno enumerates the syscall surface (30 calls across
// MM/PM/SCHED/IPC/CAP). Arch-specific transport (the x86_64 `syscall`
// instruction, AArch64 `svc`, RISC-V `ecall`) is explicitly out of scope;
// Dispatch is the single function every arch trampoline would call into.
type Callno int

const (
	// Memory.
	SysMmap Callno = iota
	SysMunmap
	SysMprotect
	SysBrk

	// Process.
	SysSpawn
	SysFork
	SysExec
	SysExit
	SysWait
	SysGetpid
	SysGetppid
	SysKill

	// Thread.
	SysThreadCreate
	SysThreadExit
	SysThreadJoin
	SysThreadYield
	SysThreadSetAffinity
	SysThreadGetAffinity
	SysSetPriority
	SysGetPriority

	// IPC.
	SysIpcSend
	SysIpcReceive
	SysIpcCall
	SysIpcReply
	SysIpcEndpointCreate

	// Capabilities.
	SysCapInsert
	SysCapDerive
	SysCapDelegate
	SysCapRevoke
	SysCapQuery
)

// callerProcess resolves (cpu, tid) to the calling Process, the first
// step of every call's capability check (which in turn requires the
// caller's CapabilitySpace, reached only via its owning Process).
func (k *Kernel) callerProcess(tid defs.Tid) (*proc.Process, defs.ErrCode) {
	pid, ok := k.Table.OwnerOf(tid)
	if !ok {
		return nil, defs.InvalidTid
	}
	p := k.Table.Lookup(pid)
	if p == nil {
		return nil, defs.PidNotFound
	}
	return p, defs.OK
}

func (k *Kernel) callerThread(p *proc.Process, tid defs.Tid) *proc.Thread {
	for _, th := range p.Threads() {
		if th.Tid == tid {
			return th
		}
	}
	return nil
}

// Dispatch is the syscall entry point: resolves the caller, validates
// arguments, performs a capability check where the call is privileged,
// executes against the target subsystem, and returns a (result, ErrCode)
// pair in place of the arch-level register write a real trampoline would
// perform. args holds up to six register-width arguments, matching the
// native syscall ABI convention of most supported architectures.
func (k *Kernel) Dispatch(cpu int, tid defs.Tid, callno Callno, args [6]uint64) (uint64, defs.ErrCode) {
	p, err := k.callerProcess(tid)
	if err != defs.OK {
		return 0, err
	}
	th := k.callerThread(p, tid)
	if th == nil {
		return 0, defs.InvalidTid
	}

	switch callno {
	case SysMmap:
		flags := vm.Flags(args[2])
		length := args[1]
		vaddr := args[0]
		if err := p.AddrSpace.Map(vaddr, length, flags); err != defs.OK {
			return 0, err
		}
		return vaddr, defs.OK

	case SysMunmap:
		return 0, p.AddrSpace.Unmap(args[0], args[1])

	case SysMprotect:
		return 0, p.AddrSpace.Protect(args[0], args[1], vm.Flags(args[2]))

	case SysBrk:
		// brk is a convenience wrapper over a single growable heap
		// region; the core exposes map/unmap/protect directly and
		// leaves brk's bookkeeping to the user-space runtime that would
		// call mmap underneath, which is out of scope here.
		return 0, defs.InvalidArgument

	case SysSpawn:
		child, _ := k.Table.Spawn("spawned", p.Pid, int(args[1]))
		k.Sched.Enqueue(cpu, child.Threads()[0])
		return uint64(child.Pid), defs.OK

	case SysFork:
		child, childThread, ferr := k.Table.Fork(p)
		if ferr != defs.OK {
			return 0, ferr
		}
		k.Sched.Enqueue(cpu, childThread)
		return uint64(child.Pid), defs.OK

	case SysExec:
		// Capability filtering on exec (dropping all but explicitly
		// preserved capabilities) is policy supplied by the caller at a
		// higher layer than this dispatch function; the core-level
		// operation it performs here is resetting the address space
		// image.
		p.AddrSpace.Destroy()
		return 0, defs.OK

	case SysExit:
		p.Exit(int(args[0]))
		k.Table.Reparent(p, proc.InitPid)
		return 0, defs.OK

	case SysWait:
		target := defs.Pid(args[0])
		rpid, status, werr := k.Table.Reap(p, target)
		return uint64(rpid)<<32 | uint64(uint32(status)), werr

	case SysGetpid:
		return uint64(p.Pid), defs.OK

	case SysGetppid:
		return uint64(p.Parent()), defs.OK

	case SysKill:
		target := k.Table.Lookup(defs.Pid(args[0]))
		if target == nil {
			return 0, defs.PidNotFound
		}
		for _, t := range target.Threads() {
			t.Kill()
		}
		return 0, defs.OK

	case SysThreadCreate:
		nt := p.ThreadCreate(int(args[1]), args[2])
		k.Table.IndexThread(nt.Tid, p.Pid)
		k.Sched.Enqueue(cpu, nt)
		return uint64(nt.Tid), defs.OK

	case SysThreadExit:
		p.ThreadExit(th.Tid, int(args[0]))
		k.Table.RemoveThreadIndex(th.Tid)
		return 0, defs.OK

	case SysThreadJoin:
		target := k.callerThread(p, defs.Tid(args[0]))
		if target == nil {
			return 0, defs.InvalidTid
		}
		ctx, cancel := deadlineCtx(args[1])
		defer cancel()
		for target.State() != proc.ThreadExited {
			target.Join(th)
			if res := k.Sched.BlockOn(ctx, cpu, th, target); res != proc.WaitOK {
				return 0, waitResultToErr(res)
			}
		}
		return uint64(target.ExitStatus()), defs.OK

	case SysThreadYield:
		k.Sched.Enqueue(cpu, th)
		return 0, defs.OK

	case SysThreadSetAffinity:
		th.SetAffinity(args[0])
		return 0, defs.OK

	case SysThreadGetAffinity:
		return th.GetAffinity(), defs.OK

	case SysSetPriority:
		th.Priority = int(args[0])
		return 0, defs.OK

	case SysGetPriority:
		return uint64(th.Priority), defs.OK

	case SysIpcEndpointCreate:
		kind := ipc.ChannelKind(args[0])
		ep := k.Endpoints.Create(kind)
		tok, ierr := p.CapSpace.Insert(ep, cap.ObjEndpoint, cap.RightSend|cap.RightReceive)
		if ierr != defs.OK {
			return 0, ierr
		}
		return uint64(tok), defs.OK

	case SysIpcSend:
		ep, cerr := k.resolveEndpoint(p, args[0], cap.RightSend)
		if cerr != defs.OK {
			return 0, cerr
		}
		msg := ipc.Message{Small: uint64ToBytes(args[1], int(args[2]))}
		ctx, cancel := deadlineCtx(args[3])
		defer cancel()
		return 0, ep.Send(ctx, th, p.Pid, msg)

	case SysIpcReceive:
		ep, cerr := k.resolveEndpoint(p, args[0], cap.RightReceive)
		if cerr != defs.OK {
			return 0, cerr
		}
		ctx, cancel := deadlineCtx(args[1])
		defer cancel()
		_, rerr := ep.Receive(ctx, th)
		return 0, rerr

	case SysIpcCall:
		ep, cerr := k.resolveEndpoint(p, args[0], cap.RightSend)
		if cerr != defs.OK {
			return 0, cerr
		}
		msg := ipc.Message{Small: uint64ToBytes(args[1], int(args[2]))}
		ctx, cancel := deadlineCtx(args[3])
		defer cancel()
		if serr := ep.Send(ctx, th, p.Pid, msg); serr != defs.OK {
			return 0, serr
		}
		reply, rerr := ep.Receive(ctx, th)
		_ = reply
		return 0, rerr

	case SysIpcReply:
		ep, cerr := k.resolveEndpoint(p, args[0], cap.RightSend)
		if cerr != defs.OK {
			return 0, cerr
		}
		msg := ipc.Message{Small: uint64ToBytes(args[1], int(args[2]))}
		return 0, ep.Send(context.Background(), th, p.Pid, msg)

	case SysCapInsert:
		tok, ierr := p.CapSpace.Insert(nil, cap.ObjType(args[0]), cap.Rights(args[1]))
		return uint64(tok), ierr

	case SysCapDerive:
		tok, derr := p.CapSpace.Derive(cap.Token(args[0]), cap.Rights(args[1]))
		return uint64(tok), derr

	case SysCapDelegate:
		target := k.Table.Lookup(defs.Pid(args[1]))
		if target == nil {
			return 0, defs.PidNotFound
		}
		tok, derr := p.CapSpace.Delegate(cap.Token(args[0]), target.CapSpace, cap.Rights(args[2]))
		return uint64(tok), derr

	case SysCapRevoke:
		return 0, k.RevokeAndNotify(p.CapSpace, cap.Token(args[0]))

	case SysCapQuery:
		_, rights, qerr := p.CapSpace.Lookup(cap.Token(args[0]))
		return uint64(rights), qerr
	}

	return 0, defs.InvalidArgument
}

func (k *Kernel) resolveEndpoint(p *proc.Process, rawTok uint64, required cap.Rights) (*ipc.Endpoint, defs.ErrCode) {
	tok := cap.Token(rawTok)
	obj, rights, err := p.CapSpace.Lookup(tok)
	if err != defs.OK {
		return nil, defs.InvalidCapability
	}
	if rights&required != required {
		return nil, defs.PermissionDenied
	}
	ep, ok := obj.(*ipc.Endpoint)
	if !ok {
		return nil, defs.InvalidCapability
	}
	return ep, defs.OK
}

// deadlineCtx converts a raw nanosecond deadline argument into a
// context.Context: 0 means no deadline (block indefinitely).
func deadlineCtx(nanos uint64) (context.Context, context.CancelFunc) {
	if nanos == 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(nanos))
}

func waitResultToErr(r proc.WaitResult) defs.ErrCode {
	switch r {
	case proc.WaitTimedOut:
		return defs.TimedOut
	case proc.WaitCancelled:
		return defs.Cancelled
	default:
		return defs.OK
	}
}

// uint64ToBytes packs n little-endian bytes starting from the low bits
// of v -- the register-carried small-message encoding used when the
// payload fits entirely in the caller's registers.
func uint64ToBytes(v uint64, n int) []byte {
	if n > 8 {
		n = 8
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}
