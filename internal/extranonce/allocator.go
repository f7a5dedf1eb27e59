// Package extranonce assigns the per-session extranonce1 values that split
// coinbase search space between connected miners.
package extranonce

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Extranonce is a session's share of the coinbase search space, assigned at
// subscribe time and echoed back to the miner as a hex string.
type Extranonce []byte

// String renders the extranonce as lowercase hex.
func (e Extranonce) String() string {
	return fmt.Sprintf("%0*x", len(e)*2, []byte(e))
}

// Allocator hands out strictly increasing extranonce1 values of a fixed
// width, with an optional free-list for values released by reaped sessions.
type Allocator struct {
	mu       sync.Mutex
	width    int
	next     uint64
	maxValue uint64
	freeList []uint64
}

// New creates an allocator producing extranonce1 values of the given byte
// width. width must be between 1 and 8.
func New(width int) (*Allocator, error) {
	if width < 1 || width > 8 {
		return nil, fmt.Errorf("extranonce: invalid width %d, must be 1-8", width)
	}
	max := uint64(1)<<(uint(width)*8) - 1
	return &Allocator{
		width:    width,
		maxValue: max,
	}, nil
}

// Allocate returns the next extranonce1. It prefers a released value from
// the free-list before advancing the monotonic counter. Allocate fails
// fatally once the configured width is exhausted; callers must stop
// accepting new connections in that case.
func (a *Allocator) Allocate() (Extranonce, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var value uint64
	if n := len(a.freeList); n > 0 {
		value = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
	} else {
		if a.next > a.maxValue {
			return nil, fmt.Errorf("extranonce: space exhausted at width %d", a.width)
		}
		value = a.next
		a.next++
	}

	return encode(value, a.width), nil
}

// Release returns a previously allocated extranonce1 to the free-list so it
// may be reused by a future allocation. Callers must only release a value
// after the owning session has been fully reaped from the registry.
func (a *Allocator) Release(e Extranonce) {
	if len(e) != a.width {
		return
	}
	value := decode([]byte(e))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList = append(a.freeList, value)
}

// Width reports the configured extranonce1 byte width.
func (a *Allocator) Width() int {
	return a.width
}

func encode(value uint64, width int) Extranonce {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return Extranonce(buf[8-width:])
}

func decode(b []byte) uint64 {
	buf := make([]byte, 8)
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf)
}
