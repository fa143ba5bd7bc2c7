// Package vm implements a Zero-style bytecode interpreter.
//
// This package contains:
//   - the per-thread execution stack and the frames laid out on it
//   - the bytecode engine, which runs one method until it needs help
//   - the frame manager, which services the engine's requests
//   - entry dispatch and the native call bridge
//   - monitors, safepoints, and the profiler that feeds the compile broker
package vm
