package ip

import (
	"net/netip"
	"sort"
	"time"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

// fragmentLifetime bounds how long a partial packet may sit in the
// store before eviction (RFC 791's default TTL).
const fragmentLifetime = 60 * time.Second

// fragKey identifies one fragmented packet. For IPv4 only the low two
// bytes of ident are used.
type fragKey struct {
	addr  netip.Addr
	proto Protocol
	ident uint32
}

// fragment is a single received piece.
type fragment struct {
	more  bool
	start uint16
	buf   *buffer.Slice
}

func (f *fragment) end() uint16 {
	return f.start + uint16(f.buf.Len())
}

// fragState is a partially-reassembled packet: fragments ordered by
// start offset, none overlapping, plus the eviction timer.
type fragState struct {
	fragments []fragment
	evict     runtime.FixedTimerKey
}

// tryInsert places a fragment at its offset-ordered position, rejecting
// overlap with either neighbour and any fragment after the final one.
func (st *fragState) tryInsert(f fragment) error {
	idx := sort.Search(len(st.fragments), func(i int) bool {
		return st.fragments[i].start >= f.start
	})
	if idx < len(st.fragments) && st.fragments[idx].start == f.start {
		return ErrFragmentOverlap
	}

	if idx > 0 {
		if f.start < st.fragments[idx-1].end() {
			return ErrFragmentOverlap
		}
		// Nothing may follow the final fragment.
		if !st.fragments[idx-1].more {
			return ErrFragmentOverlap
		}
	}

	if idx < len(st.fragments) {
		// A final fragment cannot have a successor.
		if !f.more {
			return ErrFragmentOverlap
		}
		if st.fragments[idx].start < f.end() {
			return ErrFragmentOverlap
		}
	}

	st.fragments = append(st.fragments, fragment{})
	copy(st.fragments[idx+1:], st.fragments[idx:])
	st.fragments[idx] = f
	return nil
}

// assemble returns the reassembled packet once the fragments cover
// [0, total) contiguously and the last one is final, or nil.
func (st *fragState) assemble() *buffer.Slice {
	if len(st.fragments) == 0 || st.fragments[len(st.fragments)-1].more {
		return nil
	}

	total := 0
	expected := uint16(0)
	for i := range st.fragments {
		f := &st.fragments[i]
		if f.start != expected {
			return nil
		}
		total += f.buf.Len()
		expected += uint16(f.buf.Len())
	}

	out := buffer.New(total)
	for i := range st.fragments {
		f := &st.fragments[i]
		copy(out.Bytes()[f.start:], f.buf.Bytes())
	}
	return out
}

// fragStore holds reassembly state per fragment key.
type fragStore struct {
	entries map[fragKey]*fragState
}

// handleFragment inserts one fragment, delivering the packet upward
// when the insert completes it. New entries arm a 60-second eviction
// timer; completion cancels it.
func (i *Interface) handleFragment(key fragKey, f fragment) error {
	st, ok := i.frag.entries[key]
	if !ok {
		st = &fragState{}
		st.evict = i.loop.After(fragmentLifetime, func() {
			i.log.Debug("evicting stale fragments", "src", key.addr, "ident", key.ident)
			delete(i.frag.entries, key)
		})
		i.frag.entries[key] = st
	}

	if err := st.tryInsert(f); err != nil {
		return err
	}

	if buf := st.assemble(); buf != nil {
		i.loop.TimerDel(st.evict)
		delete(i.frag.entries, key)
		return i.handle(key.proto, key.addr, buf)
	}

	return nil
}
