// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package lifecycle is a basic pattern to manage the lifecycle of a group of components.
package lifecycle

import "context"

type (
	// Starter is a component that can be started.
	Starter interface {
		Start(context.Context) error
	}

	// Stopper is a component that can be stopped.
	Stopper interface {
		Stop(context.Context) error
	}

	// StartStopper is the basic lifecycle definition of a component.
	StartStopper interface {
		Starter
		Stopper
	}

	// Lifecycle manages a group of models that have lifecycles. The models are
	// started in the order they were added and stopped in the reverse order.
	Lifecycle struct {
		models []StartStopper
	}
)

// Add adds a model into the lifecycle.
func (lc *Lifecycle) Add(m StartStopper) { lc.models = append(lc.models, m) }

// AddModels adds multiple models into the lifecycle.
func (lc *Lifecycle) AddModels(ms ...StartStopper) {
	for _, m := range ms {
		lc.Add(m)
	}
}

// OnStart runs models' Start function in the order they were added. It exits
// on the first error encountered.
func (lc *Lifecycle) OnStart(ctx context.Context) error {
	for _, m := range lc.models {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnStop runs models' Stop function in the reverse order they were added. It
// exits on the first error encountered.
func (lc *Lifecycle) OnStop(ctx context.Context) error {
	for i := len(lc.models) - 1; i >= 0; i-- {
		if err := lc.models[i].Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}
