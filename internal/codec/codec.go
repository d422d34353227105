// Package codec abstracts how adapters encode commits on the wire or on
// disk. Event bodies are opaque to the engine; round-tripping through a
// codec yields codec-generic body values.
package codec

import "encoding/json"

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

var _ Codec = JSONCodec{}
