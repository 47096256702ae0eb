// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execctx

import (
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the RLIMIT_MEMLOCK below which secrets are kept in
// ordinary memory instead of memguard enclaves.
const MinMlockLimitKB = 64

var (
	secureInitOnce sync.Once
	secureMemory   bool
)

// SecureMemory reports whether secrets are sealed in memguard enclaves.
// The answer is fixed on first use.
func SecureMemory() bool {
	secureInitOnce.Do(func() {
		secureMemory = checkMlockLimit()
		if !secureMemory {
			slog.Warn("mlock limit too low, secrets kept in ordinary memory",
				slog.Int("required_kb", MinMlockLimitKB))
		}
	})
	return secureMemory
}

func checkMlockLimit() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return true
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true
	}
	return rlimit.Cur/1024 >= MinMlockLimitKB
}

// PurgeSecrets wipes all memguard-held memory. Sealed secrets of every
// Context become unreadable afterwards; call it once at process exit.
func PurgeSecrets() {
	memguard.Purge()
}

// secretStore holds secret values. With secure memory each value is an
// encrypted memguard.Enclave and is only decrypted inside open.
//
// Thread Safety: guarded by the owning Context's mutex.
type secretStore struct {
	sealed map[string]*memguard.Enclave
	plain  map[string]string
}

func newSecretStore() secretStore {
	return secretStore{
		sealed: make(map[string]*memguard.Enclave),
		plain:  make(map[string]string),
	}
}

func (s secretStore) put(key, value string) {
	if !SecureMemory() {
		s.plain[key] = value
		return
	}
	delete(s.plain, key)
	// NewEnclave wipes its argument and returns nil for an empty value.
	s.sealed[key] = memguard.NewEnclave([]byte(value))
}

func (s secretStore) open(key string) (string, bool) {
	if v, ok := s.plain[key]; ok {
		return v, true
	}
	enclave, ok := s.sealed[key]
	if !ok {
		return "", false
	}
	if enclave == nil {
		return "", true
	}
	buf, err := enclave.Open()
	if err != nil {
		slog.Warn("secret could not be unsealed", slog.String("key", key), slog.String("error", err.Error()))
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}

func (s secretStore) len() int {
	return len(s.sealed) + len(s.plain)
}
