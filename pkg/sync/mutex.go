// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual exclusion lock that counts the goroutines blocked in
// Lock.
//
// The zero value is an unlocked mutex.
type Mutex struct {
	m sync.Mutex

	// waiters is the number of goroutines currently blocked in Lock.
	waiters atomic.Int32
}

// Lock locks m.
func (m *Mutex) Lock() {
	if m.m.TryLock() {
		return
	}
	m.waiters.Add(1)
	m.m.Lock()
	m.waiters.Add(-1)
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	return m.m.TryLock()
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *Mutex) Unlock() {
	m.m.Unlock()
}

// NeedBreak returns true if another goroutine is waiting to acquire m.
//
// The result is advisory: a waiter may arrive or give up immediately after
// the check.
func (m *Mutex) NeedBreak() bool {
	return m.waiters.Load() > 0
}

// Yield releases m, gives other goroutines an opportunity to run and
// reacquires m.
//
// Preconditions: m is locked.
func (m *Mutex) Yield() {
	m.Unlock()
	Goyield()
	m.Lock()
}
