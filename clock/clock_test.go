// Copyright 2024 The Zlomek FS Authors.
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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulatedClockOnlyMovesWhenAdvanced(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewSimulatedClock(start)
	require.Equal(t, start, c.Now())

	c.Advance(5 * time.Second)
	require.Equal(t, start.Add(5*time.Second), c.Now())

	c.Set(start)
	require.Equal(t, start, c.Now())
}

func TestSimulatedClockAfterFiresAtDeadline(t *testing.T) {
	c := NewSimulatedClock(time.Unix(1000, 0))
	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before the clock advanced")
	default:
	}

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire once the deadline was reached")
	}
}

func TestSimulatedClockAfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewSimulatedClock(time.Unix(1000, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) must fire immediately")
	}
}
