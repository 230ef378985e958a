// Package smp implements Application Processor bringup and
// inter-processor interrupt dispatch (spec.md §4.C).
//
// Grounded on kernel/src/arch/x86_64/smp.rs: the INIT-SIPI-SIPI sequence,
// ICR encodings, and delivery-status polling are translated directly.
// Real hardware access (rdmsr, cpuid, volatile MMIO) cannot be expressed
// portably in Go, and spec.md's own Open Questions flag MADT enumeration
// as unimplemented in the source — so this package puts the actual
// register/MMIO access behind an APIC interface and the wall-clock waits
// behind a Clock interface. The bringup *protocol* (every wait, poll, and
// conditional retry from spec.md §4.C) is real control flow exercised in
// tests against a SoftAPIC fake and an instant Clock.
package smp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ICR encodings frozen by spec.md §4.C.
const (
	ICRInit         uint32 = 0x0000_4500
	ICRInitDeassert uint32 = 0x0000_8500
	ICRStartupBase  uint32 = 0x0000_4600
	ICRFixedBase    uint32 = 0x0000_4000
	ICRAllExclSelf  uint32 = 0x000C_4000

	deliveryStatusBit = 1 << 12
)

// APIC abstracts local-APIC register access: ICR writes, delivery-status
// polling, EOI, and timer configuration. A real implementation performs
// the volatile MMIO writes kernel/src/arch/x86_64/smp.rs shows; SoftAPIC
// in softapic.go is the in-memory fake used by tests and cmd/kernelsim.
type APIC interface {
	// Base returns the mapped local-APIC base address.
	Base() uint64
	// WriteICR writes the destination APIC ID and the low ICR word,
	// initiating delivery of an IPI.
	WriteICR(destAPICID uint32, icrLow uint32)
	// DeliveryPending reports whether the last WriteICR's delivery-status
	// bit is still set.
	DeliveryPending() bool
	// EOI writes the end-of-interrupt register.
	EOI()
	// ConfigureTimer programs the APIC timer's divide, LVT, and initial
	// count registers.
	ConfigureTimer(divide, lvt, initialCount uint32)
}

// Clock abstracts wall-clock waits so bringup timing is deterministic in
// tests.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock backed by time.Sleep.
var RealClock Clock = realClock{}

// CPU is a per-CPU slot (spec.md §3 CPU record).
type CPU struct {
	APICID         uint32
	online         atomic.Bool
	KernelStackTop uint64
	CurrentThread  uint64
}

// Online reports the CPU's online flag with acquire semantics — Go's
// atomic.Bool.Load is a sequentially consistent atomic load, which
// satisfies the acquire side of spec.md §5's ordering guarantee (iii):
// a reader that observes online==true also observes every write the AP
// performed before calling MarkOnline.
func (c *CPU) Online() bool { return c.online.Load() }

// CPUTable holds every known CPU record under one spinlock-style mutex,
// per spec.md §5 ("the CPU-records array uses a single spinlock").
type CPUTable struct {
	mu         sync.Mutex
	cpus       map[uint32]*CPU
	bootAPICID uint32
	bootSet    bool
}

// NewCPUTable creates an empty CPU table.
func NewCPUTable() *CPUTable {
	return &CPUTable{cpus: make(map[uint32]*CPU)}
}

// RegisterBoot records the boot-CPU's record. Exactly one CPU is ever
// marked boot, and only via this method.
func (t *CPUTable) RegisterBoot(apicID uint32) *CPU {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &CPU{APICID: apicID}
	c.online.Store(true)
	t.cpus[apicID] = c
	t.bootAPICID = apicID
	t.bootSet = true
	return c
}

// MarkOnline is called by an AP's entry code once it has initialized its
// own GDT/IDT and is ready to schedule. It both registers the CPU record
// (if not already present) and raises the online flag.
func (t *CPUTable) MarkOnline(apicID uint32) *CPU {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cpus[apicID]
	if !ok {
		c = &CPU{APICID: apicID}
		t.cpus[apicID] = c
	}
	c.online.Store(true)
	return c
}

// IsOnline reports whether apicID's CPU record exists and is online.
func (t *CPUTable) IsOnline(apicID uint32) bool {
	t.mu.Lock()
	c, ok := t.cpus[apicID]
	t.mu.Unlock()
	return ok && c.Online()
}

// Count returns the number of online CPUs.
func (t *CPUTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.cpus {
		if c.Online() {
			n++
		}
	}
	return n
}

// Unavailable marks an APIC ID as attempted-but-never-came-online, so
// boot can continue with a reduced CPU count (spec.md scenario 6).
func (t *CPUTable) Unavailable(apicID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cpus[apicID]; !ok {
		t.cpus[apicID] = &CPU{APICID: apicID}
	}
	// Leaves online == false; the record exists so callers can
	// distinguish "never attempted" from "attempted, failed".
}

// Bringup drives AP startup using the INIT-SIPI-SIPI sequence.
type Bringup struct {
	APIC           APIC
	Clock          Clock
	CPUs           *CPUTable
	TrampolinePage uint8 // 4 KiB page number below the 1 MiB boundary
	Log            *slog.Logger
}

// NewBringup constructs a Bringup with production defaults for any nil
// field except APIC and CPUs, which the caller must supply.
func NewBringup(apic APIC, cpus *CPUTable, trampolinePage uint8, log *slog.Logger) *Bringup {
	if log == nil {
		log = slog.Default()
	}
	return &Bringup{APIC: apic, Clock: RealClock, CPUs: cpus, TrampolinePage: trampolinePage, Log: log.With("component", "smp")}
}

func (b *Bringup) sendAndWait(destAPICID uint32, icrLow uint32) {
	b.APIC.WriteICR(destAPICID, icrLow)
	for b.APIC.DeliveryPending() {
		// busy-poll the delivery-status bit, per spec.md §4.C.
	}
}

// StartAP runs the full bringup handshake for one AP, per spec.md §4.C
// steps 1-5. It returns true if the AP came online within the 100ms
// budget, false (with the CPU marked unavailable) on timeout.
func (b *Bringup) StartAP(ctx context.Context, apicID uint32) bool {
	b.sendAndWait(apicID, ICRInit)
	b.Clock.Sleep(10 * time.Millisecond)

	b.sendAndWait(apicID, ICRInitDeassert)
	b.Clock.Sleep(200 * time.Microsecond)

	vector := uint32(b.TrampolinePage)
	b.sendAndWait(apicID, ICRStartupBase|vector)
	b.Clock.Sleep(200 * time.Microsecond)

	if !b.CPUs.IsOnline(apicID) {
		b.sendAndWait(apicID, ICRStartupBase|vector)
		b.Clock.Sleep(200 * time.Microsecond)
	}

	const timeout = 100 * time.Millisecond
	const poll = 100 * time.Microsecond
	waited := time.Duration(0)
	for !b.CPUs.IsOnline(apicID) && waited < timeout {
		select {
		case <-ctx.Done():
			b.CPUs.Unavailable(apicID)
			return false
		default:
		}
		b.Clock.Sleep(poll)
		waited += poll
	}

	if b.CPUs.IsOnline(apicID) {
		b.Log.Debug("AP started", "apic_id", apicID)
		return true
	}
	b.Log.Warn("AP failed to start within timeout", "apic_id", apicID)
	b.CPUs.Unavailable(apicID)
	return false
}

// ProcessorDescriptor is one entry of the platform's processor table
// (ACPI MADT or equivalent): an APIC ID and whether the firmware reports
// it enabled. spec.md's Open Questions leave real enumeration unspecified
// ("the specification assumes an enumerator exists and yields (apic-id,
// enabled) pairs in some canonical order"); callers supply this slice
// from whatever platform-specific source they have.
type ProcessorDescriptor struct {
	APICID  uint32
	Enabled bool
}

// StartAll brings up every enabled processor other than bootAPICID,
// continuing past any individual bringup timeout (spec.md scenario 6:
// "AP bringup failure continues boot").
func (b *Bringup) StartAll(ctx context.Context, bootAPICID uint32, descriptors []ProcessorDescriptor) {
	b.CPUs.RegisterBoot(bootAPICID)
	for _, d := range descriptors {
		if !d.Enabled || d.APICID == bootAPICID {
			continue
		}
		b.StartAP(ctx, d.APICID)
	}
}

// SendIPITo sends a fixed-vector IPI to one CPU.
func (b *Bringup) SendIPITo(apicID uint32, vector uint8) {
	b.sendAndWait(apicID, ICRFixedBase|uint32(vector))
}

// Broadcast sends a fixed-vector IPI to every CPU except the sender.
func (b *Bringup) Broadcast(vector uint8) {
	b.sendAndWait(0, ICRAllExclSelf|uint32(vector))
}

// ConfigureSchedulerTimer programs the periodic APIC timer IPI the
// scheduler uses, at frequencyHz.
func (b *Bringup) ConfigureSchedulerTimer(frequencyHz uint32) {
	if frequencyHz == 0 {
		frequencyHz = 1
	}
	const divideBy16 = 0x3
	const periodicVector32 = 0x20020
	count := uint32(1_000_000) / frequencyHz
	b.APIC.ConfigureTimer(divideBy16, periodicVector32, count)
}

// EOI acknowledges the current interrupt. Every interrupt handler ends
// with this call, per spec.md §4.C.
func (b *Bringup) EOI() { b.APIC.EOI() }
