// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag holds the task graph of a pipeline.
//
// It provides:
//   - TaskDefinition with retry and cache policies
//   - Graph registration, validation and cycle detection
//   - Lazy ready-set batches ordered by priority then registration order
//   - The error taxonomy shared by the engine packages
//
// # Thread Safety
//
// Graph is safe for concurrent use. TaskDefinition values are copied on
// registration and must not be shared across goroutines while mutated.
//
// # Example
//
//	g := dag.NewGraph()
//	g.Register(dag.Func("extract", extractFn))
//	g.Register(dag.Func("transform", transformFn).After("extract"))
//	if err := g.Validate(); err != nil {
//	    return err
//	}
//	order, _ := g.TopologicalOrder()
package dag
