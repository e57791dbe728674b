package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// DecodeDocument decodes raw bytes into a payload document. JSON objects are
// returned as-is, any other JSON value is wrapped under "value" and bytes that
// are not JSON at all are wrapped under "raw".
func DecodeDocument(data []byte) map[string]interface{} {
	var v interface{}
	if err := defaultConfig.Unmarshal(data, &v); err != nil {
		return map[string]interface{}{"raw": string(data)}
	}
	if doc, ok := v.(map[string]interface{}); ok {
		return doc
	}
	return map[string]interface{}{"value": v}
}

func Valid(data []byte) bool {
	return sonic.Valid(data)
}
