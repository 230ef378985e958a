// Package proc reads per-process accounting straight out of /proc on
// Linux: CPU jiffies, RSS, I/O byte counters, and child enumeration.
// pkg/supervisor builds its usage samples (spec.md §4.F) on ReadProcStat
// and ClockTicks; the rest of the reads exist for the same /proc-derived
// accounting a process supervisor needs when attributing usage to a unit.
//
// Package import path: github.com/coreforge/coreforge/pkg/system/proc
package proc
