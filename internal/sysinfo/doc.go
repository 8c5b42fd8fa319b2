// Package sysinfo implements the queries served by the coordinators: CPU,
// memory and storage telemetry read from /proc, /sys and statfs(2).
//
// Every provider takes its /proc and /sys roots from Options so tests can
// point it at a synthetic tree. Providers never return errors; unreadable
// sources make ExecuteQuery report ok=false, and missing optional files
// leave fields zero-valued.
//
// Providers carry the coordinator hooks they need:
//
//   - CPUProvider.PrepareQuery snapshots the usage sample interval, which
//     may be changed on the owning context between cycles.
//   - StorageProvider.InitializeQuery loads the block device inventory once,
//     on the worker context, before the first cycle is dispatched.
//
// StorageProvider.Eject unmounts a listed unit; EjectResultOf classifies
// its error.
package sysinfo
