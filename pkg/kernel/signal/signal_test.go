package signal

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStandardSignalPendingCollapses(t *testing.T) {
	ts := NewThreadSignalState()
	ts.Raise(SIGUSR1, Info{Sig: SIGUSR1})
	ts.Raise(SIGUSR1, Info{Sig: SIGUSR1})
	ts.Raise(SIGUSR1, Info{Sig: SIGUSR1})

	_, ok := ts.NextDeliverable()
	require.True(t, ok)
	_, ok = ts.NextDeliverable()
	require.False(t, ok, "a second raise of an already-pending standard signal must not be separately observable")
}

func TestRealtimeSignalsQueueAndDeliverFIFO(t *testing.T) {
	ts := NewThreadSignalState()
	ts.Raise(Signal(40), Info{Sig: 40, Value: 1})
	ts.Raise(Signal(40), Info{Sig: 40, Value: 2})
	ts.Raise(Signal(40), Info{Sig: 40, Value: 3})

	info1, ok := ts.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, uint64(1), info1.Value)

	info2, ok := ts.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, uint64(2), info2.Value)

	info3, ok := ts.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, uint64(3), info3.Value)

	_, ok = ts.NextDeliverable()
	require.False(t, ok)
}

// Invariant 4 from spec.md §8: a blocked signal stays pending (not
// dropped) until unblocked, at which point it becomes deliverable.
func TestBlockedSignalRemainsPendingUntilUnblocked(t *testing.T) {
	ts := NewThreadSignalState()
	ts.Block(SIGTERM.bit())
	ts.Raise(SIGTERM, Info{Sig: SIGTERM})

	_, ok := ts.NextDeliverable()
	require.False(t, ok, "blocked signal must not be delivered")

	became := ts.Unblock(SIGTERM.bit())
	require.True(t, became)

	info, ok := ts.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, SIGTERM, info.Sig)
}

func TestSIGKILLAndSIGSTOPCannotBeBlocked(t *testing.T) {
	ts := NewThreadSignalState()
	ts.Block(SIGKILL.bit() | SIGSTOP.bit())
	require.Equal(t, uint64(0), ts.Mask())
}

func TestSetActionRejectsSIGKILLAndSIGSTOPHandlers(t *testing.T) {
	p := NewProcessSignalState()
	err := p.SetAction(SIGKILL, Action{Kind: ActionHandler, HandlerAddr: 0x1000})
	require.Error(t, err)

	err = p.SetAction(SIGSTOP, Action{Kind: ActionIgnore})
	require.Error(t, err)

	err = p.SetAction(SIGTERM, Action{Kind: ActionHandler, HandlerAddr: 0x2000})
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), p.Action(SIGTERM).HandlerAddr)
}

func TestDefaultDispositionTable(t *testing.T) {
	require.Equal(t, DispIgnore, DefaultDisposition(SIGCHLD))
	require.Equal(t, DispStop, DefaultDisposition(SIGSTOP))
	require.Equal(t, DispContinue, DefaultDisposition(SIGCONT))
	require.Equal(t, DispCoreDump, DefaultDisposition(SIGSEGV))
	require.Equal(t, DispTerminate, DefaultDisposition(SIGTERM))
	require.Equal(t, DispTerminate, DefaultDisposition(Signal(50)))
}

// Round-trip law: BuildFrame followed by Sigreturn reproduces the
// original context and blocked mask exactly (spec.md §8).
func TestBuildFrameSigreturnRoundTrip(t *testing.T) {
	orig := Context{
		GPRegs:   [16]uint64{1, 2, 3, 4},
		IP:       0xC0FFEE,
		SP:       0x7FFFFFFF0000,
		Flags:    0x202,
		FPUState: []byte{0xAA, 0xBB, 0xCC},
	}
	action := Action{Kind: ActionHandler, HandlerAddr: 0x4000_0000}
	savedMask := SIGUSR1.bit()

	next, frame := BuildFrame(orig, SIGTERM, Info{Sig: SIGTERM}, action, savedMask)
	require.Equal(t, action.HandlerAddr, next.IP)
	require.Equal(t, uint64(SIGTERM), next.GPRegs[0])

	restored, restoredMask := Sigreturn(frame)
	require.Equal(t, orig, restored)
	require.Equal(t, savedMask, restoredMask)
}

func TestHandlerMaskBlocksOwnSignalUnlessNoDefer(t *testing.T) {
	mask := HandlerMask(SIGTERM, Action{}, 0)
	require.NotZero(t, mask&SIGTERM.bit())

	mask = HandlerMask(SIGTERM, Action{Flags: SANoDefer}, 0)
	require.Zero(t, mask&SIGTERM.bit())
}

// Property: over interleaved raise/block/unblock/dequeue sequences, a
// standard signal returned by NextDeliverable is never currently blocked.
func TestSignalGatingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ts := NewThreadSignalState()
	delivered := make(map[Signal]bool)

	for i := 0; i < 1000; i++ {
		sig := Signal(1 + rng.Intn(31))
		switch rng.Intn(4) {
		case 0:
			ts.Raise(sig, Info{Sig: sig})
		case 1:
			ts.Block(sig.bit())
		case 2:
			ts.Unblock(sig.bit())
		case 3:
			if info, ok := ts.NextDeliverable(); ok {
				require.Zero(t, ts.Mask()&info.Sig.bit(), "delivered signal must not be currently blocked")
				delivered[info.Sig] = true
			}
		}
	}
}
