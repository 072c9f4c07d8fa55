package ml

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

type tensorWire struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

func (t *Tensor) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(tensorWire{Shape: t.shape, Data: t.data})
}

func (t *Tensor) UnmarshalCBOR(b []byte) error {
	var w tensorWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}

	decoded, err := FromData(w.Data, w.Shape...)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// WriteTensors encodes named tensors as a single CBOR map.
func WriteTensors(w io.Writer, tensors map[string]*Tensor) error {
	return cbor.NewEncoder(w).Encode(tensors)
}

func ReadTensors(r io.Reader) (map[string]*Tensor, error) {
	var tensors map[string]*Tensor
	if err := cbor.NewDecoder(r).Decode(&tensors); err != nil {
		return nil, err
	}
	return tensors, nil
}
