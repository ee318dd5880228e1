// Package msf reads and writes Microsoft's Multi-Stream Format (MSF)
// container, the block-structured file underlying Windows PDBs.
package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MSFMagic is the MSF 7.00 signature.
var MSFMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// SuperBlock is the header structure at the beginning of an MSF file.
type SuperBlock struct {
	Magic             [32]byte
	BlockSize         uint32 // 512, 1024, 2048 or 4096
	FreeBlockMapBlock uint32 // active FPM block, 1 or 2
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32 // block holding the directory block list
}

// SuperBlockSize is the size of the SuperBlock structure in bytes.
const SuperBlockSize = 56

// ValidBlockSizes are the allowed block sizes for MSF files.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

// ReadSuperBlock reads and validates the SuperBlock from the beginning of an MSF file.
func ReadSuperBlock(r io.Reader) (*SuperBlock, error) {
	var sb SuperBlock
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	if !bytes.Equal(sb.Magic[:], MSFMagic) {
		return nil, fmt.Errorf("invalid MSF magic: not a valid PDB file")
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (sb *SuperBlock) validate() error {
	if !isValidBlockSize(sb.BlockSize) {
		return fmt.Errorf("invalid block size: %d", sb.BlockSize)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return fmt.Errorf("invalid FreeBlockMapBlock: %d (must be 1 or 2)", sb.FreeBlockMapBlock)
	}
	if sb.BlockMapAddr >= sb.NumBlocks {
		return fmt.Errorf("block map address %d beyond %d blocks", sb.BlockMapAddr, sb.NumBlocks)
	}
	return nil
}

// NumDirectoryBlocks returns the number of blocks needed to store the stream directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return (sb.NumDirectoryBytes + sb.BlockSize - 1) / sb.BlockSize
}

// FileSize returns the expected file size based on block count.
func (sb *SuperBlock) FileSize() int64 {
	return int64(sb.NumBlocks) * int64(sb.BlockSize)
}

func isValidBlockSize(size uint32) bool {
	for _, valid := range ValidBlockSizes {
		if size == valid {
			return true
		}
	}
	return false
}
