/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package align

// Up rounds n up to the nearest multiple of quantum.
func Up(n, quantum uint64) uint64 {
	return (n + quantum - 1) / quantum * quantum
}

// Down rounds n down to the nearest multiple of quantum.
func Down(n, quantum uint64) uint64 {
	return n / quantum * quantum
}

// DivCeil returns n / d rounded towards positive infinity.
func DivCeil(n, d uint64) uint64 {
	return (n + d - 1) / d
}

func GCD(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// LCM returns the least common multiple of a and b, 0 if either is 0.
func LCM(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / GCD(a, b) * b
}
