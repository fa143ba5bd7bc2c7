package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the content subtype of every inspection procedure:
// application/cbor for Connect, application/grpc+cbor for gRPC.
const codecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR dec mode: %v", err))
	}
}

// cborCodec satisfies both connect.Codec and grpc's encoding.Codec, so the
// same message structs travel over either protocol.
type cborCodec struct{}

func (cborCodec) Name() string { return codecName }

func (cborCodec) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
