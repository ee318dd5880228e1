package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// nilStreamSize marks an unused stream in the directory.
const nilStreamSize = 0xFFFFFFFF

// MSF represents an opened MSF (Multi-Stream Format) file.
type MSF struct {
	r          io.ReaderAt
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
}

// New parses the MSF structure read through r. The reader is not closed
// by the MSF and must stay valid while streams are read.
func New(r io.ReaderAt) (*MSF, error) {
	msf := &MSF{r: r}

	var err error
	msf.superBlock, err = ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}

	if err := msf.readStreamDirectory(); err != nil {
		return nil, fmt.Errorf("failed to read stream directory: %w", err)
	}

	msf.buildStreams()
	return msf, nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *MSF) SuperBlock() *SuperBlock {
	return m.superBlock
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// StreamReader returns a reader for the stream at the given index.
func (m *MSF) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

// ReadStream returns the contents of the stream at the given index.
func (m *MSF) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	data, err := s.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %d: %w", index, err)
	}
	return data, nil
}

func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

// readStreamDirectory reads and parses the stream directory.
func (m *MSF) readStreamDirectory() error {
	blockSize := m.superBlock.BlockSize

	// The block map lists the blocks holding the directory.
	blockMapOffset := int64(m.superBlock.BlockMapAddr) * int64(blockSize)
	numDirBlocks := m.superBlock.NumDirectoryBlocks()
	if int64(numDirBlocks)*4 > int64(blockSize) {
		return fmt.Errorf("directory of %d bytes does not fit one block map block", m.superBlock.NumDirectoryBytes)
	}

	blockMap := make([]uint32, numDirBlocks)
	sr := io.NewSectionReader(m.r, blockMapOffset, int64(numDirBlocks)*4)
	if err := binary.Read(sr, binary.LittleEndian, blockMap); err != nil {
		return fmt.Errorf("failed to read block map: %w", err)
	}

	dirData := make([]byte, m.superBlock.NumDirectoryBytes)
	bytesRead := 0
	for _, blockIdx := range blockMap {
		if blockIdx >= m.superBlock.NumBlocks {
			return fmt.Errorf("directory block %d out of range", blockIdx)
		}
		offset := int64(blockIdx) * int64(blockSize)
		toRead := int(blockSize)
		if bytesRead+toRead > len(dirData) {
			toRead = len(dirData) - bytesRead
		}
		if _, err := m.r.ReadAt(dirData[bytesRead:bytesRead+toRead], offset); err != nil {
			return fmt.Errorf("failed to read directory block %d: %w", blockIdx, err)
		}
		bytesRead += toRead
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *MSF) parseStreamDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return fmt.Errorf("failed to read NumStreams: %w", err)
	}
	if int64(numStreams)*4 > int64(r.Len()) {
		return fmt.Errorf("directory declares %d streams in %d bytes", numStreams, len(data))
	}

	streamSizes := make([]uint32, numStreams)
	if err := binary.Read(r, binary.LittleEndian, streamSizes); err != nil {
		return fmt.Errorf("failed to read stream sizes: %w", err)
	}

	blockSize := m.superBlock.BlockSize
	streamBlocks := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		if size == nilStreamSize {
			continue
		}
		blocks := make([]uint32, (size+blockSize-1)/blockSize)
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return fmt.Errorf("failed to read block list of stream %d: %w", i, err)
		}
		for _, b := range blocks {
			if b >= m.superBlock.NumBlocks {
				return fmt.Errorf("stream %d refers to block %d of %d", i, b, m.superBlock.NumBlocks)
			}
		}
		streamBlocks[i] = blocks
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  streamSizes,
		StreamBlocks: streamBlocks,
	}
	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *MSF) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i := range m.streams {
		size := m.directory.StreamSizes[i]
		if size == nilStreamSize {
			size = 0
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}
