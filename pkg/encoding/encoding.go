package encoding

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnknownCodec = errors.New("encoding: unknown codec")

// Codec turns envelopes into message bodies. Implementations must be safe
// for concurrent use; a batch publish marshals from many goroutines.
type Codec interface {
	// Name is the content subtype, e.g. "json". It must not change between calls.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	mu               sync.RWMutex
	registeredCodecs = make(map[string]Codec)
)

// RegisterCodec makes codec available under the lowercased result of its
// Name. A later registration with the same name replaces the earlier one.
func RegisterCodec(codec Codec) {
	if codec == nil {
		panic("encoding: cannot register a nil Codec")
	}

	if codec.Name() == "" {
		panic("encoding: cannot register Codec with empty string result for Name()")
	}

	mu.Lock()
	registeredCodecs[strings.ToLower(codec.Name())] = codec
	mu.Unlock()
}

func GetCodec(contentSubtype string) (Codec, error) {
	mu.RLock()
	codec, ok := registeredCodecs[strings.ToLower(contentSubtype)]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, contentSubtype)
	}

	return codec, nil
}
