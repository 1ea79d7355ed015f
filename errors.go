// Copyright 2024 The Cockroach Authors
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

package fibmap

import "github.com/cockroachdb/errors"

// The errors below are raised via panic and indicate misuse of a Map or one
// of its iterators. A recovered panic value is an error that wraps exactly
// one of them; test for it with errors.Is.
var (
	// ErrInvalidArgument is raised for nil keys, negative capacities, load
	// factors outside (0,1) and capacities too large to represent.
	ErrInvalidArgument = errors.New("fibmap: invalid argument")
	// ErrIllegalState is raised by Next on an exhausted iterator and by
	// Remove when the iterator has no current element.
	ErrIllegalState = errors.New("fibmap: illegal state")
	// ErrReentrancy is raised when a leased iterator is used after a sibling
	// iterator of the same kind was requested from the same map.
	ErrReentrancy = errors.New("fibmap: iterator cannot be used nested")
)

func invalidArgumentf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func illegalStatef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIllegalState, format, args...)
}
