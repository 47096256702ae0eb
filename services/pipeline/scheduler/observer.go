// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
)

// Observer receives run and task lifecycle events.
//
// Callbacks run on scheduler goroutines, sometimes while scheduler state
// is locked. They must return quickly and must not call back into the
// pipeline.
type Observer interface {
	OnRunStart(runID string, tasks []string)
	OnTaskStart(runID, task string)
	OnTaskEnd(runID string, r result.TaskResult)
	OnRunEnd(runID string, res *result.PipelineResult)
}

// NopObserver implements Observer with empty methods. Embed it to
// implement only some callbacks.
type NopObserver struct{}

func (NopObserver) OnRunStart(string, []string) {}
func (NopObserver) OnTaskStart(string, string) {}
func (NopObserver) OnTaskEnd(string, result.TaskResult) {}
func (NopObserver) OnRunEnd(string, *result.PipelineResult) {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) OnRunStart(runID string, tasks []string) {
	for _, obs := range o {
		obs.OnRunStart(runID, tasks)
	}
}

func (o Observers) OnTaskStart(runID, task string) {
	for _, obs := range o {
		obs.OnTaskStart(runID, task)
	}
}

func (o Observers) OnTaskEnd(runID string, r result.TaskResult) {
	for _, obs := range o {
		obs.OnTaskEnd(runID, r)
	}
}

func (o Observers) OnRunEnd(runID string, res *result.PipelineResult) {
	for _, obs := range o {
		obs.OnRunEnd(runID, res)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = Observers(nil)
)
