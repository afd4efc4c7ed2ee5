// Package timeline keeps an ordered, deduplicated window of messages per room
// and tracks which id ranges are known to be contiguous.
package timeline

import (
	"sort"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

const (
	DefaultCapacity   = 20
	DefaultMaxPerRoom = 5000
)

// Page is the result of one pagination request.
type Page struct {
	InitialID int64
	Limit     int
	Direction wire.Direction
	Messages  []model.Message
}

// Gap is an id range between two known-contiguous segments. Ids strictly
// between After and Before may exist on the server but are not cached.
type Gap struct {
	After  int64
	Before int64
}

type segment struct {
	from int64
	to   int64
}

type room struct {
	capacity     int
	ids          []int64
	byID         map[int64]model.Message
	segments     []segment
	reachedStart bool
}

// Cache is safe for concurrent use.
type Cache struct {
	maxPerRoom int

	mu    sync.Mutex
	rooms map[string]*room
}

func NewCache(maxPerRoom int) *Cache {
	if maxPerRoom <= 0 {
		maxPerRoom = DefaultMaxPerRoom
	}
	return &Cache{
		maxPerRoom: maxPerRoom,
		rooms:      map[string]*room{},
	}
}

// Open creates the room's timeline if needed. capacity bounds the sliding
// window kept by Append.
func (c *Cache) Open(roomID string, capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		r.capacity = capacity
		return
	}
	c.rooms[roomID] = &room{capacity: capacity, byID: map[int64]model.Message{}}
}

func (c *Cache) Has(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Seed merges the newest window of a room, as fetched on subscribe or resync.
// It returns the messages that are newer than anything cached before, in
// ascending order.
func (c *Cache) Seed(roomID string, msgs []model.Message, limit int) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	prevNewest, hadAny := r.newest()
	msgs = Normalize(msgs)
	inserted := r.insertAll(msgs)
	if len(msgs) > 0 {
		r.addSegment(segment{from: msgs[0].ID, to: msgs[len(msgs)-1].ID})
	}
	if limit > 0 && len(msgs) < limit {
		r.reachedStart = true
	}
	c.enforceCapLocked(r)

	var ret []model.Message
	for _, m := range inserted {
		if !hadAny || m.ID > prevNewest {
			ret = append(ret, m)
		}
	}
	return ret
}

// Merge adds a pagination page and returns the page itself, ascending and
// without duplicate ids. Nothing is merged when the room is not open.
func (c *Cache) Merge(roomID string, p Page) []model.Message {
	msgs := Normalize(p.Messages)
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return msgs
	}
	r.insertAll(msgs)
	if len(msgs) > 0 {
		seg := segment{from: msgs[0].ID, to: msgs[len(msgs)-1].ID}
		if p.InitialID > 0 {
			if p.Direction == wire.DirectionNewer {
				seg.from = p.InitialID
			} else {
				seg.to = p.InitialID
			}
		}
		r.addSegment(seg)
	}
	if p.Direction != wire.DirectionNewer && p.Limit > 0 && len(msgs) < p.Limit {
		r.reachedStart = true
	}
	c.enforceCapLocked(r)
	return msgs
}

// Append adds a live message at the head. It returns false for an id that is
// already cached. Once the room holds at least its capacity, the oldest
// message is evicted to make room.
func (c *Cache) Append(roomID string, m model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := r.byID[m.ID]; exists {
		return false
	}
	if len(r.ids) >= r.capacity {
		r.evictOldest(1)
	}
	newest, hadAny := r.newest()
	r.insert(m)
	extended := false
	if hadAny && m.ID > newest && len(r.segments) > 0 {
		if last := &r.segments[len(r.segments)-1]; last.to == newest {
			last.to = m.ID
			extended = true
		}
	}
	if !extended {
		r.addSegment(segment{from: m.ID, to: m.ID})
	}
	c.enforceCapLocked(r)
	return true
}

func (c *Cache) Delete(roomID string, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := r.byID[id]; !exists {
		return false
	}
	delete(r.byID, id)
	i := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= id })
	r.ids = append(r.ids[:i], r.ids[i+1:]...)
	return true
}

// Messages returns the cached messages of the room in ascending id order.
func (c *Cache) Messages(roomID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	ret := make([]model.Message, 0, len(r.ids))
	for _, id := range r.ids {
		ret = append(ret, r.byID[id])
	}
	return ret
}

func (c *Cache) Gaps(roomID string) []Gap {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	var ret []Gap
	for i := 1; i < len(r.segments); i++ {
		ret = append(ret, Gap{After: r.segments[i-1].to, Before: r.segments[i].from})
	}
	return ret
}

// ReachedStart reports whether the oldest message of the room is cached.
func (c *Cache) ReachedStart(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	return ok && r.reachedStart
}

func (c *Cache) Drop(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.rooms = map[string]*room{}
	c.mu.Unlock()
}

func (c *Cache) enforceCapLocked(r *room) {
	if over := len(r.ids) - c.maxPerRoom; over > 0 {
		r.evictOldest(over)
	}
}

func (r *room) newest() (int64, bool) {
	if len(r.ids) == 0 {
		return 0, false
	}
	return r.ids[len(r.ids)-1], true
}

func (r *room) insert(m model.Message) bool {
	if _, ok := r.byID[m.ID]; ok {
		return false
	}
	r.byID[m.ID] = m
	i := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= m.ID })
	r.ids = append(r.ids, 0)
	copy(r.ids[i+1:], r.ids[i:])
	r.ids[i] = m.ID
	return true
}

func (r *room) insertAll(msgs []model.Message) []model.Message {
	var inserted []model.Message
	for _, m := range msgs {
		if r.insert(m) {
			inserted = append(inserted, m)
		}
	}
	return inserted
}

func (r *room) evictOldest(n int) {
	if n > len(r.ids) {
		n = len(r.ids)
	}
	for _, id := range r.ids[:n] {
		delete(r.byID, id)
	}
	r.ids = append([]int64(nil), r.ids[n:]...)
	r.reachedStart = false
	if len(r.ids) == 0 {
		r.segments = nil
		return
	}
	oldest := r.ids[0]
	kept := r.segments[:0]
	for _, s := range r.segments {
		if s.to < oldest {
			continue
		}
		if s.from < oldest {
			s.from = oldest
		}
		kept = append(kept, s)
	}
	r.segments = kept
}

// addSegment inserts s and merges overlapping segments.
func (r *room) addSegment(s segment) {
	segs := append(r.segments, s)
	sort.Slice(segs, func(i, j int) bool { return segs[i].from < segs[j].from })
	merged := segs[:1]
	for _, cur := range segs[1:] {
		last := &merged[len(merged)-1]
		if cur.from <= last.to {
			if cur.to > last.to {
				last.to = cur.to
			}
			continue
		}
		merged = append(merged, cur)
	}
	r.segments = merged
}

// Normalize sorts by id and removes duplicate ids, keeping the first copy.
func Normalize(msgs []model.Message) []model.Message {
	out := append([]model.Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) < 2 {
		return out
	}
	dedup := out[:1]
	for _, m := range out[1:] {
		if m.ID != dedup[len(dedup)-1].ID {
			dedup = append(dedup, m)
		}
	}
	return dedup
}
