package portable

import (
	"fmt"
	"strings"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// encodeDocumentName splits name on its dominant separator and stores each
// part as a separate blob so common directories are shared.
func encodeDocumentName(name string, h *metadata.HeapBuilder) []byte {
	sep := "/"
	if strings.Count(name, `\`) > strings.Count(name, "/") {
		sep = `\`
	}
	w := metadata.NewBlobWriter()
	w.Byte(sep[0])
	for _, part := range strings.Split(name, sep) {
		w.CompressedUint(h.AddBlobUTF8(part))
	}
	return w.Bytes()
}

func decodeDocumentName(blob []byte, heaps *metadata.Heaps) (string, error) {
	r := metadata.NewBlobReader(blob)
	sep, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("empty document name blob")
	}
	var b strings.Builder
	for first := true; r.Remaining() > 0; first = false {
		if !first && sep != 0 {
			b.WriteByte(sep)
		}
		off, err := r.ReadCompressedUint()
		if err != nil {
			return "", fmt.Errorf("failed to read document name part: %w", err)
		}
		part, err := heaps.Blob(off)
		if err != nil {
			return "", err
		}
		b.Write(part)
	}
	return b.String(), nil
}
