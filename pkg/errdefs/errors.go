/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrCoreShutdown  = errors.New("core is shut down")
	ErrCoreBroken    = errors.New("core is broken")
	ErrLockPoisoned  = errors.New("lock poisoned")
	ErrPopulate      = errors.New("populate failed")
	ErrHeaderFault   = errors.New("fault inside object header")
)

// IsInvalidConfig returns true if the error is due to a rejected configuration
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsNotFound returns true if the error is due to a missing object
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error is due to already exists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsCoreShutdown returns true if the core stopped accepting requests
func IsCoreShutdown(err error) bool {
	return errors.Is(err, ErrCoreShutdown)
}

func IsCoreBroken(err error) bool {
	return errors.Is(err, ErrCoreBroken)
}

// IsLockPoisoned returns true if a chunk lock holder failed while holding it,
// after which the whole lock set is unusable
func IsLockPoisoned(err error) bool {
	return errors.Is(err, ErrLockPoisoned)
}

func IsPopulate(err error) bool {
	return errors.Is(err, ErrPopulate)
}

func IsHeaderFault(err error) bool {
	return errors.Is(err, ErrHeaderFault)
}
