package server

import "github.com/chazu/zerovm/vm/snapshot"

// Procedure paths. The service is registered without generated stubs, so
// these double as the gRPC method names.
const (
	serviceName = "zerovm.v1.InspectionService"

	ThreadsProcedure   = "/" + serviceName + "/ListThreads"
	SnapshotProcedure  = "/" + serviceName + "/Snapshot"
	SafepointProcedure = "/" + serviceName + "/Safepoint"
	InvokeProcedure    = "/" + serviceName + "/Invoke"
	MethodsProcedure   = "/" + serviceName + "/ListMethods"
)

type ThreadsRequest struct{}

type ThreadInfo struct {
	ID    string `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint"`
	Num   uint32 `cbor:"3,keyasint"`
	State string `cbor:"4,keyasint"`
}

type ThreadsResponse struct {
	Threads []ThreadInfo `cbor:"1,keyasint,omitempty"`
}

// SnapshotRequest asks for every thread's frames. TimeoutMillis bounds the
// wait for the world to stop; zero means the server default.
type SnapshotRequest struct {
	TimeoutMillis int64 `cbor:"1,keyasint,omitempty"`
}

type SnapshotResponse struct {
	Snapshot *snapshot.Snapshot `cbor:"1,keyasint"`
}

type SafepointRequest struct{}

type SafepointResponse struct {
	Safepoints  int64 `cbor:"1,keyasint"`
	Checkpoints int64 `cbor:"2,keyasint"`
	Threads     int   `cbor:"3,keyasint"`
	Compiled    int64 `cbor:"4,keyasint"`
	Dropped     int64 `cbor:"5,keyasint"`
}

// InvokeRequest runs a static method on the server's worker thread. Args
// are raw argument words in local-variable order.
type InvokeRequest struct {
	Class  string   `cbor:"1,keyasint"`
	Method string   `cbor:"2,keyasint"`
	Desc   string   `cbor:"3,keyasint"`
	Args   []uint64 `cbor:"4,keyasint,omitempty"`
}

// InvokeResponse carries the result words, or the class and message of the
// guest exception that escaped the method.
type InvokeResponse struct {
	Type      string   `cbor:"1,keyasint"`
	Words     []uint64 `cbor:"2,keyasint,omitempty"`
	Exception string   `cbor:"3,keyasint,omitempty"`
	Message   string   `cbor:"4,keyasint,omitempty"`
}

type MethodsRequest struct {
	Class string `cbor:"1,keyasint"`
}

type MethodInfo struct {
	Name        string `cbor:"1,keyasint"`
	Desc        string `cbor:"2,keyasint"`
	Static      bool   `cbor:"3,keyasint,omitempty"`
	Native      bool   `cbor:"4,keyasint,omitempty"`
	Invocations int64  `cbor:"5,keyasint"`
}

type MethodsResponse struct {
	Methods []MethodInfo `cbor:"1,keyasint,omitempty"`
}
