// Package registry holds the live device and viewer channels. It is the
// source of truth for liveness: a device is online exactly while a shard
// holds its channel. Presence and persistence flags derive from it.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/protocol"
)

const shardCount = 32

var ErrNotConnected = errors.New("peer not connected")

type entry struct {
	ch          Channel
	connectedAt time.Time
}

type shard struct {
	mu    sync.Mutex
	conns map[string]entry
}

// Registry is a pair of sharded identity->channel maps, one for devices and
// one for viewers. Sends lock only the owning shard for the map lookup; the
// write itself happens on the channel's own mutex.
type Registry struct {
	devices [shardCount]shard
	viewers [shardCount]shard
	log     zerolog.Logger
	now     func() time.Time
}

func New(log zerolog.Logger) *Registry {
	r := &Registry{log: log, now: time.Now}
	for i := range r.devices {
		r.devices[i].conns = make(map[string]entry)
		r.viewers[i].conns = make(map[string]entry)
	}
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// attach inserts ch under key and returns the evicted prior channel, if any.
func (r *Registry) attach(shards *[shardCount]shard, key string, ch Channel) Channel {
	s := &shards[shardFor(key)]
	s.mu.Lock()
	prior, had := s.conns[key]
	s.conns[key] = entry{ch: ch, connectedAt: r.now()}
	s.mu.Unlock()
	if had {
		return prior.ch
	}
	return nil
}

// detach removes key only if it still maps to ch, so a superseded connection
// detaching late cannot evict its replacement.
func (r *Registry) detach(shards *[shardCount]shard, key string, ch Channel) bool {
	s := &shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conns[key]
	if !ok || cur.ch != ch {
		return false
	}
	delete(s.conns, key)
	return true
}

func (r *Registry) lookup(shards *[shardCount]shard, key string) (Channel, bool) {
	s := &shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.conns[key]
	return e.ch, ok
}

// AttachDevice registers a device channel. A prior channel for the same
// device id is closed with the superseded code.
func (r *Registry) AttachDevice(deviceID string, ch Channel) {
	if prior := r.attach(&r.devices, deviceID, ch); prior != nil {
		r.log.Info().Str("device_id", deviceID).Msg("device superseded by new connection")
		prior.Close(CloseSuperseded, "superseded")
	}
}

// AttachViewer registers a viewer channel keyed by user id.
func (r *Registry) AttachViewer(userID string, ch Channel) {
	if prior := r.attach(&r.viewers, userID, ch); prior != nil {
		r.log.Info().Str("user_id", userID).Msg("viewer superseded by new connection")
		prior.Close(CloseSuperseded, "superseded")
	}
}

// DetachDevice removes the channel if it is still the registered one.
// Returns false when a newer connection already replaced it.
func (r *Registry) DetachDevice(deviceID string, ch Channel) bool {
	return r.detach(&r.devices, deviceID, ch)
}

func (r *Registry) DetachViewer(userID string, ch Channel) bool {
	return r.detach(&r.viewers, userID, ch)
}

// DeviceOnline reports whether a live channel exists for the device.
func (r *Registry) DeviceOnline(deviceID string) bool {
	_, ok := r.lookup(&r.devices, deviceID)
	return ok
}

// SendToDevice delivers env to the device channel. A failed write evicts
// the connection with the slow-consumer code.
func (r *Registry) SendToDevice(deviceID string, env *protocol.Envelope) error {
	return r.send(&r.devices, deviceID, env)
}

func (r *Registry) SendToViewer(userID string, env *protocol.Envelope) error {
	return r.send(&r.viewers, userID, env)
}

func (r *Registry) send(shards *[shardCount]shard, key string, env *protocol.Envelope) error {
	ch, ok := r.lookup(shards, key)
	if !ok {
		return ErrNotConnected
	}
	if err := ch.Send(env); err != nil {
		r.log.Warn().Str("peer", key).Str("type", env.Type).Err(err).Msg("dropping message to stalled peer")
		if r.detach(shards, key, ch) {
			ch.Close(CloseSlowConsumer, "slow consumer")
		}
		return err
	}
	return nil
}

// Counts returns the number of live device and viewer channels.
func (r *Registry) Counts() (devices, viewers int) {
	for i := range r.devices {
		r.devices[i].mu.Lock()
		devices += len(r.devices[i].conns)
		r.devices[i].mu.Unlock()
		r.viewers[i].mu.Lock()
		viewers += len(r.viewers[i].conns)
		r.viewers[i].mu.Unlock()
	}
	return devices, viewers
}

// Stale holds one identity evicted by a sweep.
type Stale struct {
	Key      string
	IsDevice bool
}

// SweepStale closes and removes every channel whose last heartbeat is older
// than maxAge, returning the evicted identities so the caller can run the
// disconnect side effects.
func (r *Registry) SweepStale(maxAge time.Duration) []Stale {
	cutoff := r.now().Add(-maxAge)
	var evicted []Stale
	evicted = append(evicted, r.sweep(&r.devices, cutoff, true)...)
	evicted = append(evicted, r.sweep(&r.viewers, cutoff, false)...)
	return evicted
}

func (r *Registry) sweep(shards *[shardCount]shard, cutoff time.Time, isDevice bool) []Stale {
	var evicted []Stale
	for i := range shards {
		s := &shards[i]
		s.mu.Lock()
		var stale []Channel
		for key, e := range s.conns {
			if e.ch.LastHeartbeat().Before(cutoff) {
				delete(s.conns, key)
				stale = append(stale, e.ch)
				evicted = append(evicted, Stale{Key: key, IsDevice: isDevice})
			}
		}
		s.mu.Unlock()
		for _, ch := range stale {
			ch.Close(websocket.ClosePolicyViolation, "heartbeat timeout")
		}
	}
	return evicted
}

// CloseAll shuts every channel with the going-away code. Used at shutdown.
func (r *Registry) CloseAll(reason string) {
	for i := range r.devices {
		closeShard(&r.devices[i], reason)
		closeShard(&r.viewers[i], reason)
	}
}

func closeShard(s *shard, reason string) {
	s.mu.Lock()
	chans := make([]Channel, 0, len(s.conns))
	for key, e := range s.conns {
		chans = append(chans, e.ch)
		delete(s.conns, key)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		ch.Close(websocket.CloseGoingAway, reason)
	}
}
