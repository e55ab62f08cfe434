// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package codec provides the canonical CBOR encoding used for every
// record persisted by the identity core.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// The same logical record always produces identical bytes, which
// keeps stored values comparable and diffs stable. Decoding accepts
// standard CBOR and silently ignores unknown fields so that older
// instances can read records written by newer ones.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR encode mode: %v", err))
	}

	decOptions := cbor.DecOptions{
		// Reject absurdly nested input before it costs memory.
		MaxNestedLevels: 16,
	}
	decMode, err = decOptions.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR decode mode: %v", err))
	}
}

// Marshal encodes value as deterministic CBOR.
func Marshal(value any) ([]byte, error) {
	data, err := encMode.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding %T: %w", value, err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into value.
func Unmarshal(data []byte, value any) error {
	if err := decMode.Unmarshal(data, value); err != nil {
		return fmt.Errorf("codec: decoding into %T: %w", value, err)
	}
	return nil
}
