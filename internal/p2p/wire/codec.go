package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrame bounds one encoded envelope.
const MaxFrame = 4 << 20

var ErrMalformed = errors.New("malformed message")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes v with deterministic CBOR. Ledger and DKG payloads use
// it so that equal values always produce equal bytes.
func Encode(v any) ([]byte, error) { return encMode.Marshal(v) }

// Decode is the strict counterpart of Encode. Failures wrap ErrMalformed.
func Decode(b []byte, v any) error {
	if len(b) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
