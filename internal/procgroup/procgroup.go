// SPDX-License-Identifier: MIT

// Package procgroup starts worker subprocesses in their own process group
// and kills the whole group on cancellation. Workers routinely fork GPU
// helper children; killing only the direct child leaves those orphaned.
package procgroup
