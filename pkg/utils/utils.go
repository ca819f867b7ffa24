// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// FormatBinaryUUID renders a 16-byte raw UUID as the hyphenated hex form.
// Returns an error when the payload is not exactly 16 bytes.
func FormatBinaryUUID(b []byte) (string, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("invalid binary uuid: %w", err)
	}
	return u.String(), nil
}
