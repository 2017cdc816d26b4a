/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates that arrived before the
// remote description was set. Candidates keep their arrival order and are
// applied exactly once per negotiation window.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{}
}

// enqueue appends a candidate in arrival order
func (b *candidateBuffer) enqueue(candidate webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.pending = append(b.pending, candidate)
	b.mu.Unlock()
}

// flush applies all buffered candidates in FIFO order and empties the
// buffer. A candidate that fails to apply is reported through the first
// returned error; the remaining candidates are still attempted.
func (b *candidateBuffer) flush(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	var firstErr error
	for _, candidate := range pending {
		if err := apply(candidate); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// clear discards all buffered candidates
func (b *candidateBuffer) clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// len returns the number of buffered candidates
func (b *candidateBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
