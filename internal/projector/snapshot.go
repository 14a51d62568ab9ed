package projector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"flowline/internal/domain"
)

// Key identifies one projected entity.
type Key struct {
	Kind domain.AggregateKind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.ID }

// Snapshot is the canonical serialized form of one entity.
type Snapshot struct {
	Key
	ProjectID string
	FlowID    string
	State     string
	JSON      []byte
}

// Touched lists every entity an event may change.
func Touched(ev domain.Event) []Key {
	keys := []Key{}
	seen := map[Key]struct{}{}
	add := func(kind domain.AggregateKind, id string) {
		if id == "" {
			return
		}
		k := Key{Kind: kind, ID: id}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	add(ev.AggregateKind, ev.AggregateID)
	add(domain.AggProject, ev.Refs.ProjectID)
	add(domain.AggGraph, ev.Refs.GraphID)
	add(domain.AggFlow, ev.Refs.FlowID)
	add(domain.AggTask, ev.Refs.TaskID)
	add(domain.AggAttempt, ev.Refs.AttemptID)
	add(domain.AggMerge, ev.Refs.MergeID)
	return keys
}

// Snapshot serializes one entity. ok is false when the entity does not exist.
func (s *State) Snapshot(k Key) (Snapshot, bool, error) {
	var (
		v     any
		snap  = Snapshot{Key: k}
		found bool
	)
	switch k.Kind {
	case domain.AggProject:
		if p := s.Projects[k.ID]; p != nil {
			v, found = p, true
			snap.ProjectID = p.ID
		}
	case domain.AggTask:
		if t := s.Tasks[k.ID]; t != nil {
			v, found = t, true
			snap.ProjectID, snap.FlowID, snap.State = t.ProjectID, t.FlowID, string(t.State)
		}
	case domain.AggAttempt:
		if a := s.Attempts[k.ID]; a != nil {
			v, found = a, true
			snap.ProjectID, snap.FlowID, snap.State = a.ProjectID, a.FlowID, string(a.State)
		}
	case domain.AggGraph:
		if g := s.Graphs[k.ID]; g != nil {
			v, found = g, true
			snap.ProjectID = g.ProjectID
		}
	case domain.AggFlow:
		if f := s.Flows[k.ID]; f != nil {
			v, found = f, true
			snap.ProjectID, snap.FlowID, snap.State = f.ProjectID, f.ID, string(f.State)
		}
	case domain.AggMerge:
		if m := s.Merges[k.ID]; m != nil {
			v, found = m, true
			snap.ProjectID, snap.FlowID, snap.State = m.ProjectID, m.FlowID, string(m.State)
		}
	default:
		return snap, false, fmt.Errorf("unknown entity kind %q", k.Kind)
	}
	if !found {
		return snap, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return snap, false, fmt.Errorf("marshal %s: %w", k, err)
	}
	snap.JSON = data
	return snap, true, nil
}

// Keys returns every entity key in deterministic order.
func (s *State) Keys() []Key {
	var keys []Key
	for id := range s.Projects {
		keys = append(keys, Key{domain.AggProject, id})
	}
	for id := range s.Tasks {
		keys = append(keys, Key{domain.AggTask, id})
	}
	for id := range s.Attempts {
		keys = append(keys, Key{domain.AggAttempt, id})
	}
	for id := range s.Graphs {
		keys = append(keys, Key{domain.AggGraph, id})
	}
	for id := range s.Flows {
		keys = append(keys, Key{domain.AggFlow, id})
	}
	for id := range s.Merges {
		keys = append(keys, Key{domain.AggMerge, id})
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})
}

// Snapshots serializes every entity.
func (s *State) Snapshots() ([]Snapshot, error) {
	keys := s.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		snap, ok, err := s.Snapshot(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Mismatch is one difference between a replayed projection and the cache.
type Mismatch struct {
	Kind     domain.AggregateKind `json:"kind"`
	ID       string               `json:"id"`
	Reason   string               `json:"reason"`
	Replayed json.RawMessage      `json:"replayed,omitempty"`
	Cached   json.RawMessage      `json:"cached,omitempty"`
}

// Diff compares replayed snapshots against cached ones byte for byte.
func Diff(replayed, cached []Snapshot) []Mismatch {
	cachedByKey := make(map[Key]Snapshot, len(cached))
	for _, c := range cached {
		cachedByKey[c.Key] = c
	}
	var out []Mismatch
	for _, r := range replayed {
		c, ok := cachedByKey[r.Key]
		if !ok {
			out = append(out, Mismatch{Kind: r.Kind, ID: r.ID, Reason: "missing from cache", Replayed: r.JSON})
			continue
		}
		delete(cachedByKey, r.Key)
		if !bytes.Equal(r.JSON, c.JSON) {
			out = append(out, Mismatch{Kind: r.Kind, ID: r.ID, Reason: "differs", Replayed: r.JSON, Cached: c.JSON})
		}
	}
	var extra []Key
	for k := range cachedByKey {
		extra = append(extra, k)
	}
	sortKeys(extra)
	for _, k := range extra {
		out = append(out, Mismatch{Kind: k.Kind, ID: k.ID, Reason: "not produced by replay", Cached: cachedByKey[k].JSON})
	}
	return out
}

// Load installs one cached entity. version is the stream version the cache
// recorded for it; the caller sets Watermark once every entity is loaded.
func (s *State) Load(k Key, version int64, data []byte) error {
	var err error
	switch k.Kind {
	case domain.AggProject:
		p := &domain.Project{}
		if err = json.Unmarshal(data, p); err == nil {
			if p.Repos == nil {
				p.Repos = map[string]domain.RepoRef{}
			}
			p.Version = version
			s.Projects[k.ID] = p
		}
	case domain.AggTask:
		t := &domain.Task{}
		if err = json.Unmarshal(data, t); err == nil {
			t.Version = version
			s.Tasks[k.ID] = t
		}
	case domain.AggAttempt:
		a := &domain.Attempt{}
		if err = json.Unmarshal(data, a); err == nil {
			s.Attempts[k.ID] = a
		}
	case domain.AggGraph:
		g := &domain.Graph{}
		if err = json.Unmarshal(data, g); err == nil {
			g.Version = version
			s.Graphs[k.ID] = g
		}
	case domain.AggFlow:
		f := &domain.Flow{}
		if err = json.Unmarshal(data, f); err == nil {
			f.Version = version
			s.Flows[k.ID] = f
		}
	case domain.AggMerge:
		m := &domain.Merge{}
		if err = json.Unmarshal(data, m); err == nil {
			m.Version = version
			s.Merges[k.ID] = m
		}
	default:
		return fmt.Errorf("unknown entity kind %q", k.Kind)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", k, err)
	}
	return nil
}
