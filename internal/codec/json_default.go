//go:build !sonic

// Package codec selects the JSON implementation: goccy/go-json by default,
// bytedance/sonic with -tags sonic.
package codec

import (
	"github.com/goccy/go-json"
)

const Name = "goccy/go-json"

var (
	Marshal   = json.Marshal
	Unmarshal = json.Unmarshal
)

// MarshalIndent is used for files meant to be read by people.
func MarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
