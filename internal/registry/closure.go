package registry

import (
	"encoding/json"
	"fmt"
)

// ClosureBox is the payload shape of a deferred closure job: the
// codec-encoded handler plus the argument tuple it should run with.
type ClosureBox struct {
	Closure []byte          `json:"closure"`
	Args    json.RawMessage `json:"args"`
}

// PackClosure encodes h through the codec and wraps it with args into
// a payload for a ClosureKey job.
func PackClosure(codec ClosureCodec, h Handler, args json.RawMessage) ([]byte, error) {
	if codec == nil {
		return nil, fmt.Errorf("deferring a closure requires a closure codec")
	}
	enc, err := codec.Encode(h)
	if err != nil {
		return nil, fmt.Errorf("encode closure: %w", err)
	}
	return json.Marshal(ClosureBox{Closure: enc, Args: args})
}

// UnpackClosure reverses PackClosure, yielding the live handler and
// the argument tuple.
func UnpackClosure(codec ClosureCodec, payload []byte) (Handler, json.RawMessage, error) {
	if codec == nil {
		return nil, nil, fmt.Errorf("running a closure job requires a closure codec")
	}
	var box ClosureBox
	if err := json.Unmarshal(payload, &box); err != nil {
		return nil, nil, fmt.Errorf("unmarshal closure box: %w", err)
	}
	h, err := codec.Decode(box.Closure)
	if err != nil {
		return nil, nil, fmt.Errorf("decode closure: %w", err)
	}
	return h, box.Args, nil
}
