// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package lifecycle

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrWrongState indicates a readiness transition attempted from the wrong state
var ErrWrongState = errors.New("service is in wrong state")

// Readiness is the serving gate of a composed server: requests are accepted
// only between TurnOn and TurnOff. The zero value is not ready.
type Readiness struct {
	serving atomic.Bool
}

// TurnOn marks the service ready. A second TurnOn without an intervening
// TurnOff fails with ErrWrongState.
func (r *Readiness) TurnOn() error {
	if !r.serving.CompareAndSwap(false, true) {
		return errors.Wrap(ErrWrongState, "already serving")
	}
	return nil
}

// TurnOff marks the service not ready, back to the initial state.
func (r *Readiness) TurnOff() error {
	if !r.serving.CompareAndSwap(true, false) {
		return errors.Wrap(ErrWrongState, "not serving")
	}
	return nil
}

// IsReady returns whether the service accepts requests.
func (r *Readiness) IsReady() bool {
	return r.serving.Load()
}
