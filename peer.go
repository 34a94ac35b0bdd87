package main

import (
	"sort"
	"time"
)

// ViewerInfo holds information about a remote peer in the room
type ViewerInfo struct {
	PeerID      string
	State       string // connecting, connected, disconnected
	ConnectedAt time.Time
}

// viewerTable merges the orchestrator's peer list with connectivity events.
type viewerTable map[string]*ViewerInfo

// sync adds peers that now have a session and drops those that no longer do.
func (v viewerTable) sync(peers []string) {
	present := make(map[string]bool, len(peers))
	for _, id := range peers {
		present[id] = true
		if _, ok := v[id]; !ok {
			v[id] = &ViewerInfo{PeerID: id, State: "connecting"}
		}
	}
	for id := range v {
		if !present[id] {
			delete(v, id)
		}
	}
}

func (v viewerTable) connected(id string, at time.Time) {
	info, ok := v[id]
	if !ok {
		info = &ViewerInfo{PeerID: id}
		v[id] = info
	}
	info.State = "connected"
	info.ConnectedAt = at
}

func (v viewerTable) disconnected(id string) {
	if info, ok := v[id]; ok {
		info.State = "disconnected"
	}
}

// list returns the viewers sorted by peer id.
func (v viewerTable) list() []ViewerInfo {
	out := make([]ViewerInfo, 0, len(v))
	for _, info := range v {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// connectedCount returns the number of viewers with media flowing.
func (v viewerTable) connectedCount() int {
	n := 0
	for _, info := range v {
		if info.State == "connected" {
			n++
		}
	}
	return n
}
