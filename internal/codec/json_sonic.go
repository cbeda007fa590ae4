//go:build sonic

// Package codec selects the JSON implementation: goccy/go-json by default,
// bytedance/sonic with -tags sonic.
package codec

import (
	"github.com/bytedance/sonic"
)

const Name = "bytedance/sonic"

var (
	Marshal   = sonic.Marshal
	Unmarshal = sonic.Unmarshal
)

// MarshalIndent is used for files meant to be read by people.
func MarshalIndent(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}
