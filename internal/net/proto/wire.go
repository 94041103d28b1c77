// Package proto implements the wire-level primitives shared by the snapshot
// store and the snapshot system: the packed variable-length integer used
// for ticks, the section sentinels, and the fixed binary layouts for the
// entry and spawn records carried inside a snapshot message.
package proto

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Sentinel constants embedded between sections of a snapshot message, used
// to detect framing corruption. Each section's sentinel is the base value
// plus the section index.
const (
	Sentinel0 uint16 = 0x4246 // after the header
	Sentinel1 uint16 = Sentinel0 + 1
	Sentinel2 uint16 = Sentinel0 + 2
	Sentinel3 uint16 = Sentinel0 + 3

	// SpawnSentinel terminates each individual spawn record. The wire
	// layout widens it to 32 bits; the value carried is still Sentinel0.
	SpawnSentinel uint32 = uint32(Sentinel0)
)

// ErrSentinelMismatch is returned by readers when a trailing sentinel does
// not match the expected constant, signalling framing corruption.
var ErrSentinelMismatch = errors.New("proto: sentinel mismatch")

// ByteReader is the minimal interface the varint and record decoders need:
// byte-at-a-time access plus bulk reads. *bytes.Reader and *bufio.Reader
// both satisfy it.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// WriteVarint appends v to w using LEB128 with zigzag encoding, the packed
// variable-length integer format used for ticks on the wire.
func WriteVarint(w io.Writer, v int32) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], int64(v))
	_, err := w.Write(buf[:n])
	return err
}

// ReadVarint decodes a packed variable-length integer written by
// WriteVarint.
func ReadVarint(r ByteReader) (int32, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// WriteUint16 appends v to w in little-endian byte order.
func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint16 decodes a little-endian uint16 from r.
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// WriteInt16 appends v to w in little-endian byte order.
func WriteInt16(w io.Writer, v int16) error {
	return WriteUint16(w, uint16(v))
}

// ReadInt16 decodes a little-endian int16 from r.
func ReadInt16(r io.Reader) (int16, error) {
	v, err := ReadUint16(r)
	return int16(v), err
}

// Key identifies a replicated variable. Equality for table lookup uses the
// triple (ObjectID, BehaviourIndex, VariableIndex); TickWritten is an
// attribute of the value currently stored under that triple, not part of
// the lookup key.
type Key struct {
	ObjectID       uint64
	BehaviourIndex uint16
	VariableIndex  uint16
	TickWritten    int32
}

// SameVariable reports whether k and other identify the same replicated
// variable, ignoring TickWritten.
func (k Key) SameVariable(other Key) bool {
	return k.ObjectID == other.ObjectID &&
		k.BehaviourIndex == other.BehaviourIndex &&
		k.VariableIndex == other.VariableIndex
}

// Entry is a variable-index table row: the key plus where its serialized
// value currently lives in the arena. Length == 0 means the slot exists but
// has no payload yet.
type Entry struct {
	Key      Key
	Position uint16
	Length   uint16
}

// WriteEntry serializes e per the wire layout:
//
//	u64 object_id | u16 behaviour_index | u16 variable_index |
//	packed_i32 tick_written | u16 position | u16 length
func WriteEntry(w io.Writer, e Entry) error {
	var fixed [12]byte
	binary.LittleEndian.PutUint64(fixed[0:8], e.Key.ObjectID)
	binary.LittleEndian.PutUint16(fixed[8:10], e.Key.BehaviourIndex)
	binary.LittleEndian.PutUint16(fixed[10:12], e.Key.VariableIndex)
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if err := WriteVarint(w, e.Key.TickWritten); err != nil {
		return err
	}
	var tail [4]byte
	binary.LittleEndian.PutUint16(tail[0:2], e.Position)
	binary.LittleEndian.PutUint16(tail[2:4], e.Length)
	_, err := w.Write(tail[:])
	return err
}

// ReadEntry deserializes an Entry written by WriteEntry.
func ReadEntry(r ByteReader) (Entry, error) {
	var fixed [12]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Entry{}, err
	}
	tick, err := ReadVarint(r)
	if err != nil {
		return Entry{}, err
	}
	var tail [4]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Entry{}, err
	}
	return Entry{
		Key: Key{
			ObjectID:       binary.LittleEndian.Uint64(fixed[0:8]),
			BehaviourIndex: binary.LittleEndian.Uint16(fixed[8:10]),
			VariableIndex:  binary.LittleEndian.Uint16(fixed[10:12]),
			TickWritten:    tick,
		},
		Position: binary.LittleEndian.Uint16(tail[0:2]),
		Length:   binary.LittleEndian.Uint16(tail[2:4]),
	}, nil
}

// Vector3 is a 3-float instantiation parameter (position or scale).
type Vector3 struct {
	X, Y, Z float32
}

// Rotation is a quaternion instantiation parameter.
type Rotation struct {
	X, Y, Z, W float32
}

// Spawn describes one object to be instantiated on a peer. TargetClientIDs
// is local bookkeeping (the recipients that have not yet acknowledged this
// spawn); it is never part of the wire encoding.
type Spawn struct {
	ObjectID        uint64
	ArchetypeHash   uint32
	IsSceneObject   bool
	IsPlayerObject  bool
	OwnerClientID   uint64
	ParentNetworkID uint64
	Position        Vector3
	Rotation        Rotation
	Scale           Vector3
	TickWritten     uint16
}

func writeBool(w io.Writer, v bool) error {
	var b [1]byte
	if v {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeFloat32(w io.Writer, v float32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	_, err := w.Write(b[:])
	return err
}

func readFloat32(r io.Reader) (float32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:])), nil
}

// WriteSpawn serializes s's body followed by its trailing sentinel, per:
//
//	u64 object_id | u64 archetype_hash (low 32 bits meaningful) |
//	bool is_scene_object | bool is_player_object |
//	u64 owner_client_id | u64 parent_network_id |
//	Vector3 position | Rotation rotation | Vector3 scale |
//	u16 tick_written | u32 SENTINEL_0
func WriteSpawn(w io.Writer, s Spawn) error {
	var head [8 + 8]byte
	binary.LittleEndian.PutUint64(head[0:8], s.ObjectID)
	binary.LittleEndian.PutUint64(head[8:16], uint64(s.ArchetypeHash))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if err := writeBool(w, s.IsSceneObject); err != nil {
		return err
	}
	if err := writeBool(w, s.IsPlayerObject); err != nil {
		return err
	}
	var ids [16]byte
	binary.LittleEndian.PutUint64(ids[0:8], s.OwnerClientID)
	binary.LittleEndian.PutUint64(ids[8:16], s.ParentNetworkID)
	if _, err := w.Write(ids[:]); err != nil {
		return err
	}
	for _, v := range []float32{s.Position.X, s.Position.Y, s.Position.Z} {
		if err := writeFloat32(w, v); err != nil {
			return err
		}
	}
	for _, v := range []float32{s.Rotation.X, s.Rotation.Y, s.Rotation.Z, s.Rotation.W} {
		if err := writeFloat32(w, v); err != nil {
			return err
		}
	}
	for _, v := range []float32{s.Scale.X, s.Scale.Y, s.Scale.Z} {
		if err := writeFloat32(w, v); err != nil {
			return err
		}
	}
	var tail [6]byte
	binary.LittleEndian.PutUint16(tail[0:2], s.TickWritten)
	binary.LittleEndian.PutUint32(tail[2:6], SpawnSentinel)
	_, err := w.Write(tail[:])
	return err
}

// ReadSpawn deserializes a Spawn written by WriteSpawn and verifies its
// trailing sentinel.
func ReadSpawn(r io.Reader) (Spawn, error) {
	var s Spawn
	var head [16]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Spawn{}, err
	}
	s.ObjectID = binary.LittleEndian.Uint64(head[0:8])
	s.ArchetypeHash = uint32(binary.LittleEndian.Uint64(head[8:16]))

	var err error
	if s.IsSceneObject, err = readBool(r); err != nil {
		return Spawn{}, err
	}
	if s.IsPlayerObject, err = readBool(r); err != nil {
		return Spawn{}, err
	}
	var ids [16]byte
	if _, err := io.ReadFull(r, ids[:]); err != nil {
		return Spawn{}, err
	}
	s.OwnerClientID = binary.LittleEndian.Uint64(ids[0:8])
	s.ParentNetworkID = binary.LittleEndian.Uint64(ids[8:16])

	floats := make([]*float32, 0, 10)
	floats = append(floats, &s.Position.X, &s.Position.Y, &s.Position.Z)
	floats = append(floats, &s.Rotation.X, &s.Rotation.Y, &s.Rotation.Z, &s.Rotation.W)
	floats = append(floats, &s.Scale.X, &s.Scale.Y, &s.Scale.Z)
	for _, f := range floats {
		v, err := readFloat32(r)
		if err != nil {
			return Spawn{}, err
		}
		*f = v
	}

	var tail [6]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Spawn{}, err
	}
	s.TickWritten = binary.LittleEndian.Uint16(tail[0:2])
	if got := binary.LittleEndian.Uint32(tail[2:6]); got != SpawnSentinel {
		return Spawn{}, ErrSentinelMismatch
	}
	return s, nil
}
