package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultBlockSize is the block size of files produced by Writer.
const DefaultBlockSize = 4096

// Writer assembles an MSF file from whole streams. Blocks are allocated in
// stream order, so equal streams always produce identical files.
type Writer struct {
	blockSize uint32
	streams   [][]byte
}

// NewWriter creates a writer with the given block size.
func NewWriter(blockSize uint32) (*Writer, error) {
	if !isValidBlockSize(blockSize) {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	return &Writer{blockSize: blockSize}, nil
}

// AddStream appends a stream and returns its index.
func (w *Writer) AddStream(data []byte) int {
	w.streams = append(w.streams, data)
	return len(w.streams) - 1
}

// SetStream replaces the contents of stream index, adding empty streams
// as needed.
func (w *Writer) SetStream(index int, data []byte) {
	for len(w.streams) <= index {
		w.streams = append(w.streams, nil)
	}
	w.streams[index] = data
}

// NumStreams returns the number of streams added so far.
func (w *Writer) NumStreams() int {
	return len(w.streams)
}

// reserved reports whether block b holds the superblock or a free block
// map page.
func (w *Writer) reserved(b uint32) bool {
	return b == 0 || b%w.blockSize == 1 || b%w.blockSize == 2
}

func (w *Writer) blocksFor(n int) uint32 {
	return (uint32(n) + w.blockSize - 1) / w.blockSize
}

// WriteTo lays out the file and writes it to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	next := uint32(3)
	alloc := func() uint32 {
		for w.reserved(next) {
			next++
		}
		next++
		return next - 1
	}

	var dir bytes.Buffer
	binary.Write(&dir, binary.LittleEndian, uint32(len(w.streams)))
	for _, s := range w.streams {
		binary.Write(&dir, binary.LittleEndian, uint32(len(s)))
	}
	placements := make([][]uint32, len(w.streams))
	for i, s := range w.streams {
		blocks := make([]uint32, w.blocksFor(len(s)))
		for j := range blocks {
			blocks[j] = alloc()
		}
		placements[i] = blocks
		binary.Write(&dir, binary.LittleEndian, blocks)
	}

	dirBlocks := make([]uint32, w.blocksFor(dir.Len()))
	if len(dirBlocks)*4 > int(w.blockSize) {
		return 0, fmt.Errorf("stream directory of %d bytes exceeds one block map block", dir.Len())
	}
	for i := range dirBlocks {
		dirBlocks[i] = alloc()
	}
	blockMap := alloc()

	numBlocks := next
	if (numBlocks-1)%w.blockSize == 0 {
		numBlocks += 2
	}

	file := make([]byte, int(numBlocks)*int(w.blockSize))
	block := func(b uint32) []byte {
		off := int(b) * int(w.blockSize)
		return file[off : off+int(w.blockSize)]
	}
	scatter := func(data []byte, blocks []uint32) {
		for j, b := range blocks {
			copy(block(b), data[j*int(w.blockSize):])
		}
	}

	for i, s := range w.streams {
		scatter(s, placements[i])
	}
	scatter(dir.Bytes(), dirBlocks)
	for i, b := range dirBlocks {
		binary.LittleEndian.PutUint32(block(blockMap)[i*4:], b)
	}
	w.writeFreeBlockMap(file, numBlocks)

	sb := SuperBlock{
		BlockSize:         w.blockSize,
		FreeBlockMapBlock: 1,
		NumBlocks:         numBlocks,
		NumDirectoryBytes: uint32(dir.Len()),
		BlockMapAddr:      blockMap,
	}
	copy(sb.Magic[:], MSFMagic)
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, &sb)
	copy(file, hdr.Bytes())

	n, err := dst.Write(file)
	return int64(n), err
}

// writeFreeBlockMap marks every block of the file as used in both free
// block maps. Each interval's map page holds the next blockSize bytes of
// the bitmap.
func (w *Writer) writeFreeBlockMap(file []byte, numBlocks uint32) {
	bits := w.blockSize * 8
	for interval := uint32(0); interval*w.blockSize < numBlocks; interval++ {
		for _, fpm := range []uint32{1, 2} {
			b := interval*w.blockSize + fpm
			page := file[int(b)*int(w.blockSize) : int(b+1)*int(w.blockSize)]
			for i := uint32(0); i < bits; i++ {
				if interval*bits+i >= numBlocks {
					page[i/8] |= 1 << (i % 8)
				}
			}
		}
	}
}
