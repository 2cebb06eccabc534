// Package heapdump aggregates the sampled allocation records of a session
// into a pprof heap profile.
//
// Records carry no call stacks, so samples are keyed by allocation size: each
// distinct size gets one synthetic location, and the "bytes" numeric label
// holds the object size the way Go heap profiles do.
package heapdump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/pprof/profile"
)

// Builder accumulates allocation records. It is not safe for concurrent use.
type Builder struct {
	pid      int
	interval int64
	start    time.Time

	live  map[uint64]uint64 // address -> size
	sizes map[uint64]*counts

	unmatchedFrees uint64
}

type counts struct {
	allocObjects int64
	allocBytes   int64
	inuseObjects int64
	inuseBytes   int64
}

// New creates a builder for a session of process pid sampled every interval bytes.
func New(pid int, interval int64) *Builder {
	return &Builder{
		pid:      pid,
		interval: interval,
		start:    time.Now(),
		live:     make(map[uint64]uint64),
		sizes:    make(map[uint64]*counts),
	}
}

// Alloc records a sampled allocation of size bytes at address.
func (b *Builder) Alloc(address, size uint64) {
	if prev, ok := b.live[address]; ok {
		// Reused address without a free in between.
		b.release(prev)
	}
	b.live[address] = size

	c := b.sizes[size]
	if c == nil {
		c = &counts{}
		b.sizes[size] = c
	}
	c.allocObjects++
	c.allocBytes += int64(size)
	c.inuseObjects++
	c.inuseBytes += int64(size)
}

// Free records the release of the sampled allocation at address.
func (b *Builder) Free(address uint64) {
	size, ok := b.live[address]
	if !ok {
		b.unmatchedFrees++
		return
	}
	delete(b.live, address)
	b.release(size)
}

func (b *Builder) release(size uint64) {
	c := b.sizes[size]
	c.inuseObjects--
	c.inuseBytes -= int64(size)
}

// Live returns the number of sampled allocations not yet freed.
func (b *Builder) Live() int {
	return len(b.live)
}

// UnmatchedFrees returns the number of frees for unknown addresses.
func (b *Builder) UnmatchedFrees() uint64 {
	return b.unmatchedFrees
}

// Profile builds the heap profile. Samples are ordered by size.
func (b *Builder) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            b.interval,
		TimeNanos:         b.start.UnixNano(),
		DurationNanos:     time.Since(b.start).Nanoseconds(),
		Comments:          []string{fmt.Sprintf("pid %d", b.pid)},
	}

	sizes := make([]uint64, 0, len(b.sizes))
	for size := range b.sizes {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })

	for i, size := range sizes {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:         id,
			Name:       fmt.Sprintf("alloc[%d]", size),
			SystemName: fmt.Sprintf("alloc[%d]", size),
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		c := b.sizes[size]
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.allocObjects, c.allocBytes, c.inuseObjects, c.inuseBytes},
			NumLabel: map[string][]int64{"bytes": {int64(size)}},
		})
	}

	return p
}

// ErrInvalidName is returned when a session id would place the profile
// outside the profile directory.
var ErrInvalidName = errors.New("invalid profile name")

// WriteFile writes the gzipped profile for sessionID into dir and returns
// the file path. The file appears atomically.
func (b *Builder) WriteFile(dir, sessionID string) (string, error) {
	name := fmt.Sprintf("heap.%d.%s.pb.gz", b.pid, sessionID)
	if sessionID == "" || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, sessionID)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".heap-*")
	if err != nil {
		return "", fmt.Errorf("failed to create profile: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := b.Profile().Write(tmp); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close profile: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename profile: %w", err)
	}
	return path, nil
}
