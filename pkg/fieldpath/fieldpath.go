// Package fieldpath reads and edits payload documents with dotted paths
// ("sensor.reading.value"). Paths follow gjson/sjson syntax, so literal dots
// in keys are escaped with a backslash.
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"liminal/pkg/jsoncodec"
)

// Document is a payload held in its serialized form so a sequence of edits
// costs one encode and one decode.
type Document struct {
	raw []byte
}

func FromMap(payload map[string]interface{}) (*Document, error) {
	if payload == nil {
		return &Document{raw: []byte("{}")}, nil
	}
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &Document{raw: raw}, nil
}

func FromBytes(raw []byte) *Document {
	return &Document{raw: raw}
}

func (d *Document) Result(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

func (d *Document) Get(path string) (interface{}, bool) {
	res := d.Result(path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func (d *Document) Exists(path string) bool {
	return d.Result(path).Exists()
}

func (d *Document) Set(path string, value interface{}) error {
	raw, err := sjson.SetBytes(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("failed to set field %q: %w", path, err)
	}
	d.raw = raw
	return nil
}

func (d *Document) Delete(path string) error {
	raw, err := sjson.DeleteBytes(d.raw, path)
	if err != nil {
		return fmt.Errorf("failed to delete field %q: %w", path, err)
	}
	d.raw = raw
	return nil
}

func (d *Document) Bytes() []byte {
	return d.raw
}

func (d *Document) Map() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := jsoncodec.Unmarshal(d.raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

// Get looks up a single path in a decoded payload.
func Get(payload map[string]interface{}, path string) (gjson.Result, bool) {
	doc, err := FromMap(payload)
	if err != nil {
		return gjson.Result{}, false
	}
	res := doc.Result(path)
	return res, res.Exists()
}

// Number returns the numeric value at path. Numeric strings are accepted.
func Number(payload map[string]interface{}, path string) (float64, bool) {
	doc, err := FromMap(payload)
	if err != nil {
		return 0, false
	}
	return doc.Number(path)
}

func (d *Document) Number(path string) (float64, bool) {
	res := d.Result(path)
	switch res.Type {
	case gjson.Number:
		return res.Num, true
	case gjson.String:
		if num, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64); err == nil {
			return num, true
		}
	}
	return 0, false
}
