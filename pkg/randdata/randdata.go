/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package randdata

import (
	"crypto/rand"
	"math/big"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MakeRandomString returns a string of the given length drawn uniformly from letters and digits,
// using the cryptographic random source.
func MakeRandomString(length uint32) ([]byte, error) {
	retval := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(tokenAlphabet)))

	for i := range retval {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return nil, err
		}
		retval[i] = tokenAlphabet[n.Int64()]
	}

	return retval, nil
}
