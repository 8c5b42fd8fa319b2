package events

import (
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
)

// HTTPStart is emitted when the GraphQL endpoint receives a request. The
// publishing context carries the request id.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the GraphQL endpoint has written a response.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}

// RPCStart is emitted before a sysinfo RPC is handled or sent. Server is
// true on the serving side.
type RPCStart struct {
	Method string
	Target string
	Server bool
}

// RPCFinish is emitted after a sysinfo RPC completes.
type RPCFinish struct {
	Method   string
	Target   string
	Server   bool
	Code     codes.Code
	Err      error
	Duration time.Duration
}
