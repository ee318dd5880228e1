package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HashStringV1 is the string hash used by the named stream map and the
// /names string table.
func HashStringV1(s string) uint32 {
	b := []byte(s)
	var result uint32
	for len(b) >= 4 {
		result ^= binary.LittleEndian.Uint32(b)
		b = b[4:]
	}
	if len(b) >= 2 {
		result ^= uint32(binary.LittleEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		result ^= uint32(b[0])
	}
	result |= 0x20202020
	result ^= result >> 11
	return result ^ (result >> 16)
}

// hashTable is the serialized closed hash table keyed by uint32 with
// uint32 values and linear probing.
type hashTable struct {
	capacity uint32
	keys     []uint32
	values   []uint32
	present  []bool
}

func newHashTable(n int) *hashTable {
	capacity := uint32(8)
	for uint32(n) >= capacity*2/3+1 {
		capacity *= 2
	}
	return &hashTable{
		capacity: capacity,
		keys:     make([]uint32, capacity),
		values:   make([]uint32, capacity),
		present:  make([]bool, capacity),
	}
}

func (h *hashTable) set(hash, key, value uint32) {
	i := hash % h.capacity
	for h.present[i] {
		i = (i + 1) % h.capacity
	}
	h.keys[i], h.values[i], h.present[i] = key, value, true
}

func (h *hashTable) write(buf *bytes.Buffer) {
	var size uint32
	for _, p := range h.present {
		if p {
			size++
		}
	}
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, h.capacity)

	words := make([]uint32, 0, (h.capacity+31)/32)
	for i, p := range h.present {
		if p {
			for uint32(len(words)) <= uint32(i)/32 {
				words = append(words, 0)
			}
			words[i/32] |= 1 << (uint32(i) % 32)
		}
	}
	binary.Write(buf, binary.LittleEndian, uint32(len(words)))
	binary.Write(buf, binary.LittleEndian, words)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // deleted

	for i, p := range h.present {
		if p {
			binary.Write(buf, binary.LittleEndian, h.keys[i])
			binary.Write(buf, binary.LittleEndian, h.values[i])
		}
	}
}

// readHashTable reads a serialized hash table and returns its present
// key/value pairs in bucket order.
func readHashTable(r io.Reader) (keys, values []uint32, err error) {
	var size, capacity uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, nil, fmt.Errorf("failed to read hash table size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &capacity); err != nil {
		return nil, nil, fmt.Errorf("failed to read hash table capacity: %w", err)
	}
	if size > capacity {
		return nil, nil, fmt.Errorf("hash table holds %d entries in %d buckets", size, capacity)
	}
	present, err := readBitVector(r)
	if err != nil {
		return nil, nil, err
	}
	if _, err := readBitVector(r); err != nil {
		return nil, nil, err
	}
	for i := uint32(0); i < capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		var kv [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &kv); err != nil {
			return nil, nil, fmt.Errorf("failed to read hash table bucket %d: %w", i, err)
		}
		keys = append(keys, kv[0])
		values = append(values, kv[1])
	}
	return keys, values, nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read bit vector length: %w", err)
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("bit vector of %d words", n)
	}
	words := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, words); err != nil {
		return nil, fmt.Errorf("failed to read bit vector: %w", err)
	}
	return words, nil
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return words[wordIdx]&(1<<(n%32)) != 0
}

// cString extracts a null-terminated string from bytes.
func cString(data []byte) string {
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		return string(data[:idx])
	}
	return string(data)
}
