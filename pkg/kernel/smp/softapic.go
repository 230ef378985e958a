package smp

import "sync"

// SoftAPIC is an in-memory APIC fake: it records every ICR write and lets
// a caller decide, per (destination, attempt), whether a startup IPI
// causes the target to come online. Used both by this package's own
// tests and by cmd/kernelsim, which has no real local-APIC to program.
type SoftAPIC struct {
	mu        sync.Mutex
	base      uint64
	writes    []uint32
	sipiCount map[uint32]int

	// OnStartup is invoked once per Startup-IPI write; attempt is 1 for
	// the first SIPI sent to that destination and 2 for the second. If it
	// returns true, the destination's CPU record is marked online.
	OnStartup func(destAPICID uint32, attempt int) bool

	cpus *CPUTable
}

// NewSoftAPIC creates a fake bound to the given CPU table, which its
// OnStartup hook is allowed to call MarkOnline on.
func NewSoftAPIC(cpus *CPUTable) *SoftAPIC {
	return &SoftAPIC{base: 0xFEE0_0000, sipiCount: make(map[uint32]int), cpus: cpus}
}

func (f *SoftAPIC) Base() uint64 { return f.base }

func (f *SoftAPIC) WriteICR(destAPICID uint32, icrLow uint32) {
	f.mu.Lock()
	f.writes = append(f.writes, icrLow)
	isStartup := icrLow&0xFFFFF700 == ICRStartupBase&0xFFFFF700 || (icrLow&0x4600) == 0x4600
	f.mu.Unlock()

	if !isStartup {
		return
	}
	f.mu.Lock()
	f.sipiCount[destAPICID]++
	attempt := f.sipiCount[destAPICID]
	hook := f.OnStartup
	f.mu.Unlock()

	if hook != nil && hook(destAPICID, attempt) {
		f.cpus.MarkOnline(destAPICID)
	}
}

func (f *SoftAPIC) DeliveryPending() bool { return false }

func (f *SoftAPIC) EOI() {}

func (f *SoftAPIC) ConfigureTimer(divide, lvt, initialCount uint32) {}

// Writes returns every ICR low word written so far, for assertions.
func (f *SoftAPIC) Writes() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.writes))
	copy(out, f.writes)
	return out
}
