// Package analyzer provides token counting, query intent analysis, and
// complexity classification for incoming analytics questions. Everything in
// this package is stateless and performs no I/O.
package analyzer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// CountTokens returns the BPE token count of text using the cl100k_base
// encoding. When the encoder cannot be initialized it falls back to a
// four-characters-per-token estimate.
func CountTokens(text string) int {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})

	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
