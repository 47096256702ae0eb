// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
)

type keyInput struct {
	Name  string `json:"n"`
	Value any    `json:"v"`
}

// DeriveKey computes the cache key for a task invocation.
//
// Description:
//
//	With a KeyFunc the key is "<task>:<KeyFunc(inputs)>". Otherwise it is
//	"<task>:" followed by the SHA-256 of the JSON encoding of the ordered
//	(name, value) input pairs. encoding/json sorts map keys, so equal
//	inputs hash equally.
//
// Outputs:
//
//	string - The key.
//	error - Non-nil when KeyFunc fails or the inputs cannot be encoded;
//	  callers should then run the task uncached.
func DeriveKey(task string, policy dag.CachePolicy, in dag.Inputs) (string, error) {
	if policy.KeyFunc != nil {
		k, err := policy.KeyFunc(in)
		if err != nil {
			return "", fmt.Errorf("cache key for %s: %w", task, err)
		}
		return task + ":" + k, nil
	}

	pairs := make([]keyInput, 0, in.Len())
	for name, value := range in.All() {
		pairs = append(pairs, keyInput{Name: name, Value: value})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w: %v", task, ErrUnencodable, err)
	}
	sum := sha256.Sum256(data)
	return task + ":" + hex.EncodeToString(sum[:]), nil
}
