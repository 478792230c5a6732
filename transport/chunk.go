package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Chunk frame: version(1) | message id(4) | index(2) | total(2) | data.
const (
	chunkVersion    = 1
	ChunkHeaderSize = 9
	maxChunks       = 1 << 12
)

// SplitChunks cuts data into frames of at most frameSize bytes.
func SplitChunks(msgID uint32, data []byte, frameSize int) ([][]byte, error) {
	room := frameSize - ChunkHeaderSize
	if room <= 0 {
		return nil, fmt.Errorf("frame size %d leaves no room for data", frameSize)
	}
	total := (len(data) + room - 1) / room
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, fmt.Errorf("message needs %d frames, limit is %d", total, maxChunks)
	}
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * room
		if end > len(data) {
			end = len(data)
		}
		part := data[i*room : end]
		f := make([]byte, ChunkHeaderSize+len(part))
		f[0] = chunkVersion
		binary.BigEndian.PutUint32(f[1:5], msgID)
		binary.BigEndian.PutUint16(f[5:7], uint16(i))
		binary.BigEndian.PutUint16(f[7:9], uint16(total))
		copy(f[ChunkHeaderSize:], part)
		frames = append(frames, f)
	}
	return frames, nil
}

type chunkKey struct {
	source string
	msgID  uint32
}

type partial struct {
	parts   [][]byte
	have    int
	started time.Time
}

// Reassembler joins chunk frames per source and message id. Incomplete
// messages are dropped after ttl.
type Reassembler struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[chunkKey]*partial
}

func NewReassembler(ttl time.Duration, now func() time.Time) *Reassembler {
	if now == nil {
		now = time.Now
	}
	return &Reassembler{ttl: ttl, now: now, pending: make(map[chunkKey]*partial)}
}

// Add consumes one frame and returns the whole message once its last frame
// arrived. Duplicate frames are ignored.
func (r *Reassembler) Add(source string, frame []byte) ([]byte, bool, error) {
	if len(frame) < ChunkHeaderSize || frame[0] != chunkVersion {
		return nil, false, fmt.Errorf("malformed chunk frame")
	}
	msgID := binary.BigEndian.Uint32(frame[1:5])
	index := int(binary.BigEndian.Uint16(frame[5:7]))
	total := int(binary.BigEndian.Uint16(frame[7:9]))
	if total == 0 || total > maxChunks || index >= total {
		return nil, false, fmt.Errorf("chunk %d of %d out of range", index, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	key := chunkKey{source, msgID}
	p, ok := r.pending[key]
	if !ok {
		p = &partial{parts: make([][]byte, total), started: r.now()}
		r.pending[key] = p
	}
	if len(p.parts) != total {
		delete(r.pending, key)
		return nil, false, fmt.Errorf("chunk total changed for message %d", msgID)
	}
	if p.parts[index] == nil {
		p.parts[index] = append([]byte{}, frame[ChunkHeaderSize:]...)
		p.have++
	}
	if p.have < total {
		return nil, false, nil
	}
	delete(r.pending, key)
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	return out, true, nil
}

func (r *Reassembler) sweep() {
	now := r.now()
	for k, p := range r.pending {
		if now.Sub(p.started) > r.ttl {
			delete(r.pending, k)
		}
	}
}

// Pending is the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	return len(r.pending)
}
