/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package security

import (
	"fmt"

	"github.com/microsoft/dapmux/pkg/randdata"
)

const BearerTokenLength = 32

// MakeBearerToken generates a token clients of the debug host authenticate with.
func MakeBearerToken() (string, error) {
	token, err := randdata.MakeRandomString(BearerTokenLength)
	if err != nil {
		return "", fmt.Errorf("could not generate bearer token: %w", err)
	}
	return string(token), nil
}
