package main

import "sync"

// Watchers is the server's watcher table (C3): streamer_uid -> set of
// watcher_uid. Edges are added on stream_watch_start and removed on stop,
// watcher disconnect, or streamer stop.
type Watchers struct {
	mu    sync.RWMutex
	edges map[uint32]map[uint32]struct{}
}

// NewWatchers creates an empty watcher table.
func NewWatchers() *Watchers {
	return &Watchers{edges: make(map[uint32]map[uint32]struct{})}
}

// Add subscribes watcherUID to streamerUID's stream.
func (w *Watchers) Add(streamerUID, watcherUID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.edges[streamerUID]
	if !ok {
		set = make(map[uint32]struct{})
		w.edges[streamerUID] = set
	}
	set[watcherUID] = struct{}{}
}

// Remove unsubscribes watcherUID from streamerUID's stream.
func (w *Watchers) Remove(streamerUID, watcherUID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.edges[streamerUID]; ok {
		delete(set, watcherUID)
		if len(set) == 0 {
			delete(w.edges, streamerUID)
		}
	}
}

// RemoveStreamer clears all watchers of streamerUID (stream_stop).
func (w *Watchers) RemoveStreamer(streamerUID uint32) {
	w.mu.Lock()
	delete(w.edges, streamerUID)
	w.mu.Unlock()
}

// RemoveWatcherEverywhere removes watcherUID from every streamer's set, for
// use on watcher disconnect.
func (w *Watchers) RemoveWatcherEverywhere(watcherUID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for streamer, set := range w.edges {
		delete(set, watcherUID)
		if len(set) == 0 {
			delete(w.edges, streamer)
		}
	}
}

// Snapshot returns a copy of streamerUID's watcher set, safe to use after
// the lock is released (router's snapshot-then-send discipline, §4.2).
func (w *Watchers) Snapshot(streamerUID uint32) []uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	set, ok := w.edges[streamerUID]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}
