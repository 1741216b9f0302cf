/*
Copyright © 2022 SUSE LLC
Copyright © 2023 Kairos authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package op

import (
	"fmt"

	internalUtils "github.com/kernelsu/ksud/internal/utils"
)

// Scope owns a set of mounts and undoes them in reverse order on Close.
// Callers defer Close right after creating the scope so panics unwind the mounts too.
type Scope struct {
	detach       bool
	activeMounts []string
	// Unmounter is swapped in tests.
	Unmounter func(target string, detach bool) error
}

// NewScope returns an empty scope, detach selects lazy unmounts on Close.
func NewScope(detach bool) *Scope {
	return &Scope{detach: detach, activeMounts: []string{}, Unmounter: Unmount}
}

// Track registers an existing mount point.
func (s *Scope) Track(target string) {
	s.activeMounts = append(s.activeMounts, target)
}

// Close will unmount all tracked mounts on reverse order.
func (s *Scope) Close() error {
	failures := []string{}
	for len(s.activeMounts) > 0 {
		curr := s.activeMounts[len(s.activeMounts)-1]
		internalUtils.Log.Debug().Str("what", curr).Msg("Unmounting")
		s.activeMounts = s.activeMounts[:len(s.activeMounts)-1]
		err := s.Unmounter(curr, s.detach)
		if err != nil {
			internalUtils.Log.Err(err).Str("what", curr).Msg("Error unmounting")
			failures = append(failures, curr)
		}
	}
	if len(failures) > 0 {
		s.activeMounts = failures
		return fmt.Errorf("unmount failures: %v", failures)
	}
	return nil
}
