package codeview

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// SymbolWriter builds a module symbol stream. Records opened with
// ManProc or Block are closed with End; their parent and end offsets are
// filled in as the nesting unwinds.
type SymbolWriter struct {
	buf  []byte
	open []uint32 // offsets of unclosed scope records
}

// NewSymbolWriter starts a stream with the C13 signature.
func NewSymbolWriter() *SymbolWriter {
	return &SymbolWriter{buf: binary.LittleEndian.AppendUint32(nil, CV_SIGNATURE_C13)}
}

// Bytes returns the stream. All scopes must have been closed.
func (w *SymbolWriter) Bytes() ([]byte, error) {
	if len(w.open) > 0 {
		return nil, fmt.Errorf("%d symbol scopes left open", len(w.open))
	}
	return w.buf, nil
}

// Len returns the current stream size.
func (w *SymbolWriter) Len() int {
	return len(w.buf)
}

func (w *SymbolWriter) parent() uint32 {
	if len(w.open) == 0 {
		return 0
	}
	return w.open[len(w.open)-1]
}

// record appends a record of the given kind, padded to four bytes, and
// returns its offset.
func (w *SymbolWriter) record(kind uint16, body []byte) uint32 {
	off := uint32(len(w.buf))
	n := 2 + len(body)
	padded := (n + 2 + 3) &^ 3
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(padded-2))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, kind)
	w.buf = append(w.buf, body...)
	for len(w.buf)-int(off) < padded {
		w.buf = append(w.buf, 0)
	}
	return off
}

// ManProc opens a managed procedure covering length bytes of IL.
func (w *SymbolWriter) ManProc(global bool, token metadata.Token, length uint32, name string) {
	kind := uint16(S_LMANPROC)
	if global {
		kind = S_GMANPROC
	}
	b := make([]byte, 37, 37+len(name)+1)
	binary.LittleEndian.PutUint32(b[0:], w.parent())
	binary.LittleEndian.PutUint32(b[12:], length)
	binary.LittleEndian.PutUint32(b[20:], length)
	binary.LittleEndian.PutUint32(b[24:], uint32(token))
	b = append(append(b, name...), 0)
	w.open = append(w.open, w.record(kind, b))
}

// Block opens a lexical block covering [start, start+length).
func (w *SymbolWriter) Block(start, length uint32) {
	b := make([]byte, 19)
	binary.LittleEndian.PutUint32(b[0:], w.parent())
	binary.LittleEndian.PutUint32(b[8:], length)
	binary.LittleEndian.PutUint32(b[12:], start)
	w.open = append(w.open, w.record(S_BLOCK32, b))
}

// End closes the innermost open scope and patches its end offset.
func (w *SymbolWriter) End() error {
	if len(w.open) == 0 {
		return fmt.Errorf("no open symbol scope to close")
	}
	start := w.open[len(w.open)-1]
	w.open = w.open[:len(w.open)-1]
	end := w.record(S_END, nil)
	binary.LittleEndian.PutUint32(w.buf[start+8:], end)
	return nil
}

// ManSlot records a local variable slot.
func (w *SymbolWriter) ManSlot(slot uint32, flags uint16, name string) {
	b := make([]byte, 16, 16+len(name)+1)
	binary.LittleEndian.PutUint32(b[0:], slot)
	binary.LittleEndian.PutUint16(b[14:], flags)
	w.record(S_MANSLOT, append(append(b, name...), 0))
}

// ManConstant records a constant typed by a StandAloneSig token.
func (w *SymbolWriter) ManConstant(token metadata.Token, value metadata.ConstantValue, name string) error {
	b := binary.LittleEndian.AppendUint32(nil, uint32(token))
	b, err := AppendNumeric(b, value)
	if err != nil {
		return fmt.Errorf("constant %q: %w", name, err)
	}
	w.record(S_MANCONSTANT, append(append(b, name...), 0))
	return nil
}

// UsingNamespace records a using string.
func (w *SymbolWriter) UsingNamespace(name string) {
	w.record(S_UNAMESPACE, append([]byte(name), 0))
}

// OEM records a named payload under guid.
func (w *SymbolWriter) OEM(guid uuid.UUID, name string, data []byte) error {
	g := metadata.GUIDBytes(guid)
	b := append(g[:], 0, 0, 0, 0)
	n, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return fmt.Errorf("OEM record name %q: %w", name, err)
	}
	b = append(append(b, n...), 0, 0)
	w.record(S_OEM, append(b, data...))
	return nil
}
