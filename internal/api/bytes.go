// ABOUTME: Bytes is a []byte that travels as base64 text in JSON bodies
// ABOUTME: All binary protocol fields (keys, nonces, signatures) use it

package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes marshals to and from standard base64 strings in JSON.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding base64 field: %w", err)
	}
	*b = decoded
	return nil
}
