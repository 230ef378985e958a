package capability

// Rights is the 64-bit capability rights bitmask. Bit positions are part
// of the kernel ABI (spec.md §6) and must never be renumbered.
//
// Go has no bitflags package in this pack's dependency graph (the source
// Rust used the `bitflags` crate — see kernel/src/cap/rights.rs); named
// untyped-bit constants plus the methods below are the idiomatic Go
// equivalent and are documented in DESIGN.md as a justified
// standard-library construct.
type Rights uint64

const (
	// Universal rights (bits 0-7).
	Read Rights = 1 << iota
	Write
	Execute
	Grant
	Revoke
	Duplicate
	Transfer
	Inspect
)

const (
	// Memory rights (bits 8-14).
	Map Rights = 1 << (8 + iota)
	Unmap
	DeviceMem
	Lock
	Share
	HugePages
	Persistent
)

const (
	// IPC rights (bits 16-22).
	Send Rights = 1 << (16 + iota)
	Receive
	Call
	Reply
	SignalRight
	Wait
	Poll
)

const (
	// Process rights (bits 24-30).
	Fork Rights = 1 << (24 + iota)
	Kill
	Trace
	Record
	Suspend
	Resume
	Schedule
)

const (
	// Hardware rights (bits 32-38).
	IRQ Rights = 1 << (32 + iota)
	DMA
	MMIO
	IOPort
	GPU
	NPU
	Sensor
)

const (
	// AI rights (bits 40-46).
	TensorAlloc Rights = 1 << (40 + iota)
	TensorFree
	Inference
	GPUCompute
	NPUAccess
	TensorMigrate
	ModelAccess
)

// Common combinations, grounded on kernel/src/cap/rights.rs's bitflags
// constants of the same shape.
const (
	MemoryFull = Read | Write | Map | Unmap | Share | Grant
	MemoryRead = Read | Map

	IPCFull   = Send | Receive | Call | Reply | SignalRight | Wait | Grant
	IPCClient = Send | Call | Wait
	IPCServer = Receive | Reply | Wait

	ProcessFull = Fork | Kill | Trace | Suspend | Resume | Schedule | Grant

	AIFull      = TensorAlloc | TensorFree | Inference | GPUCompute | NPUAccess | TensorMigrate | ModelAccess | Grant
	AIInference = TensorAlloc | TensorFree | Inference | TensorMigrate
)

// Contains reports whether r has every bit of other set.
func (r Rights) Contains(other Rights) bool {
	return r&other == other
}

// IsSubsetOf reports whether every bit of r is also set in other —
// expressed as the pure bitmask test spec.md §4.B requires:
// (child & !parent) == 0.
func (r Rights) IsSubsetOf(other Rights) bool {
	return r&^other == 0
}

var names = []struct {
	bit  Rights
	name string
}{
	{Read, "read"}, {Write, "write"}, {Execute, "execute"}, {Grant, "grant"},
	{Revoke, "revoke"}, {Duplicate, "duplicate"}, {Transfer, "transfer"}, {Inspect, "inspect"},
	{Map, "map"}, {Unmap, "unmap"}, {DeviceMem, "device-mem"}, {Lock, "lock"},
	{Share, "share"}, {HugePages, "huge-pages"}, {Persistent, "persistent"},
	{Send, "send"}, {Receive, "receive"}, {Call, "call"}, {Reply, "reply"},
	{SignalRight, "signal"}, {Wait, "wait"}, {Poll, "poll"},
	{Fork, "fork"}, {Kill, "kill"}, {Trace, "trace"}, {Record, "record"},
	{Suspend, "suspend"}, {Resume, "resume"}, {Schedule, "schedule"},
	{IRQ, "irq"}, {DMA, "dma"}, {MMIO, "mmio"}, {IOPort, "ioport"},
	{GPU, "gpu"}, {NPU, "npu"}, {Sensor, "sensor"},
	{TensorAlloc, "tensor-alloc"}, {TensorFree, "tensor-free"}, {Inference, "inference"},
	{GPUCompute, "gpu-compute"}, {NPUAccess, "npu-access"}, {TensorMigrate, "tensor-migrate"},
	{ModelAccess, "model-access"},
}

// String renders the set bits as a "+"-joined list, or "none".
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	out := ""
	for _, n := range names {
		if r.Contains(n.bit) {
			if out != "" {
				out += "+"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
