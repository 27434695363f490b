// SPDX-License-Identifier: MIT

package power

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInhibitorRefCounting(t *testing.T) {
	var i Inhibitor
	i.Acquire()
	i.Acquire()
	i.Release()
	require.Equal(t, 1, i.count)
	i.Release()
	require.Equal(t, 0, i.count)

	// Extra releases must not go negative.
	i.Release()
	require.Equal(t, 0, i.count)
}
