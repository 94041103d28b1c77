package app

import (
	"bytes"
	"io"
	"sync"

	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/snapshotsys"
)

// objectRegistry is a minimal in-memory object-lifetime manager: it tracks
// which object ids have spawned locally and the current raw bytes behind
// each of their replicated variables. A real host runtime would replace
// this with its own scene graph and component system; this is enough to
// make lookup_variable and apply_spawn resolvable so the process is
// runnable end to end.
type objectRegistry struct {
	mu        sync.Mutex
	spawned   map[uint64]struct{}
	variables map[variableKey]*rawVariable
}

type variableKey struct {
	objectID       uint64
	behaviourIndex uint16
	variableIndex  uint16
}

type rawVariable struct {
	mu    sync.Mutex
	value []byte
}

func newObjectRegistry() *objectRegistry {
	return &objectRegistry{
		spawned:   make(map[uint64]struct{}),
		variables: make(map[variableKey]*rawVariable),
	}
}

func (r *objectRegistry) lookup(objectID uint64, behaviourIndex, variableIndex uint16) (snapshotsys.VariableHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spawned[objectID]; !ok {
		return nil, false
	}
	key := variableKey{objectID, behaviourIndex, variableIndex}
	v, ok := r.variables[key]
	if !ok {
		v = &rawVariable{}
		r.variables[key] = v
	}
	return v, true
}

func (r *objectRegistry) applySpawn(cmd proto.Spawn, parentOrNone *uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned[cmd.ObjectID] = struct{}{}
}

// WriteDelta implements snapshotsys.VariableHandle.
func (v *rawVariable) WriteDelta(w io.Writer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := w.Write(v.value)
	return err
}

// ReadDelta implements snapshotsys.VariableHandle.
func (v *rawVariable) ReadDelta(r proto.ByteReader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	v.mu.Lock()
	v.value = buf.Bytes()
	v.mu.Unlock()
	return nil
}
