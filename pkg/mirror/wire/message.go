package wire

import (
	"fmt"
	"io"

	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// EncodeMessage serialises a types.Message as a single self-delimiting
// blob: a 4-entry mapping of topic, command, params and meta, with meta
// nested as a mapping of middleware name to that middleware's mapping.
func EncodeMessage(m types.Message) ([]byte, error) {
	meta := make(map[string]any, len(m.Meta))
	for name, kv := range m.Meta {
		conv := make(map[string]any, len(kv))
		for k, v := range kv {
			conv[k] = v
		}
		meta[name] = conv
	}
	root := map[string]any{
		"topic":   string(m.Topic),
		"command": string(m.Command),
		"params":  m.Params,
		"meta":    meta,
	}
	return Encode(root)
}

// DecodeMessage reads exactly one encoded Message from r.
func DecodeMessage(r io.Reader) (types.Message, error) {
	v, err := Decode(r)
	if err != nil {
		return types.Message{}, err
	}
	root, ok := v.(map[string]any)
	if !ok {
		return types.Message{}, fmt.Errorf("wire: message is not a mapping (%T)", v)
	}

	topic, ok := root["topic"].(string)
	if !ok {
		return types.Message{}, fmt.Errorf("wire: message missing topic")
	}
	command, ok := root["command"].(string)
	if !ok {
		return types.Message{}, fmt.Errorf("wire: message missing command")
	}
	params, _ := root["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	msg := types.NewMessage(types.Topic(topic), types.Command(command), params)

	rawMeta, _ := root["meta"].(map[string]any)
	for name, v := range rawMeta {
		kv, ok := v.(map[string]any)
		if !ok {
			continue
		}
		msg.Meta[name] = kv
	}
	return msg, nil
}
