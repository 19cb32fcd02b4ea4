// Package json registers the jsoniter-backed codec under the name "json".
package json

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/quarks-tech/txlog-dispatcher/pkg/encoding"
)

const Name = "json"

var api = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string {
	return Name
}

func (codec) Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
