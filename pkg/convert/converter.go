// Package convert converts debug information between Windows PDBs and
// Portable PDBs.
//
// A Converter runs one conversion at a time. Anomalies that only affect
// part of the output are reported as diagnostics and the conversion goes
// on; conditions that make the output meaningless abort the run with an
// *Error.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jtang613/pdb2pdb/pkg/diag"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/pdb"
	"github.com/jtang613/pdb2pdb/pkg/peimage"
	"github.com/jtang613/pdb2pdb/pkg/portable"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

// State is the progress of a conversion.
type State int

const (
	Idle State = iota
	ReadingSource
	Translating
	Emitting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ReadingSource:
		return "ReadingSource"
	case Translating:
		return "Translating"
	case Emitting:
		return "Emitting"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Converter converts PDBs. It is not safe for concurrent use; run
// independent conversions on separate Converters.
type Converter struct {
	opts  options
	log   *zap.Logger
	state State
	sink  *diag.Sink
}

// New creates a converter.
func New(opts ...Option) *Converter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}
	return &Converter{opts: o, log: log, sink: &diag.Sink{}}
}

// State returns the state of the current or last run.
func (c *Converter) State() State {
	return c.state
}

// Diagnostics returns the diagnostics of the current or last run.
func (c *Converter) Diagnostics() []diag.Diagnostic {
	return c.sink.Diagnostics()
}

func (c *Converter) setState(s State) {
	c.state = s
	c.log.Debug("conversion state", zap.Stringer("state", s))
}

// run resets the converter and executes one conversion.
func (c *Converter) run(fn func() error) error {
	c.sink = &diag.Sink{OnReport: func(d diag.Diagnostic) {
		c.log.Warn("conversion diagnostic",
			zap.String("code", d.Id.Code()),
			zap.Stringer("id", d.Id),
			zap.Stringer("token", d.Token),
			zap.String("message", d.String()))
	}}
	c.state = Idle
	if err := fn(); err != nil {
		c.setState(Failed)
		return err
	}
	c.setState(Done)
	return nil
}

// Convert converts symbols to the other format and writes the result to
// out. A symbols stream starting with "BSJB" is a Portable PDB, anything
// else is read as a Windows PDB. When symbols is nil the Portable PDB
// embedded in the image is converted.
func (c *Converter) Convert(image, symbols io.ReaderAt, out io.Writer) error {
	return c.run(func() error {
		if err := validate(image, out); err != nil {
			return err
		}
		c.setState(ReadingSource)
		img, md, err := openImage(image)
		if err != nil {
			return err
		}
		defer img.Close()

		var data []byte
		if symbols == nil {
			if data, err = img.EmbeddedPortablePdb(); err != nil {
				return fail(PhaseRead, KindUnrecognizedFormat, err, "no symbols given and none embedded")
			}
		} else if data, err = io.ReadAll(io.NewSectionReader(symbols, 0, math.MaxInt64)); err != nil {
			return fail(PhaseRead, KindInvalidPdb, err, "failed to read symbols")
		}

		if portable.IsPortable(data) {
			src, err := portable.Read(data)
			if err != nil {
				return fail(PhaseRead, KindInvalidPdb, err, "failed to read Portable PDB")
			}
			return c.toWindows(img, md, src, out)
		}
		src, err := pdb.OpenBytes(data)
		if err != nil {
			if errors.Is(err, pdb.ErrNotWindowsPdb) {
				return fail(PhaseRead, KindUnrecognizedFormat, err, "symbols are neither a Portable nor a Windows PDB")
			}
			return fail(PhaseRead, KindInvalidPdb, err, "failed to read Windows PDB")
		}
		return c.toPortable(img, md, src, out)
	})
}

// ToPortable converts the Windows PDB read by src to a Portable PDB.
func (c *Converter) ToPortable(image io.ReaderAt, src pdb.SymReader, out io.Writer) error {
	return c.run(func() error {
		if err := validate(image, out); err != nil {
			return err
		}
		if src == nil {
			return fail(PhaseValidate, KindCapabilityUnavailable, nil, "no Windows PDB reader")
		}
		c.setState(ReadingSource)
		img, md, err := openImage(image)
		if err != nil {
			return err
		}
		defer img.Close()
		return c.toPortable(img, md, src, out)
	})
}

// ToWindows converts a Portable PDB to a Windows PDB.
func (c *Converter) ToWindows(image io.ReaderAt, src *portable.Pdb, out io.Writer) error {
	return c.run(func() error {
		if err := validate(image, out); err != nil {
			return err
		}
		if src == nil {
			return fail(PhaseValidate, KindCapabilityUnavailable, nil, "no Portable PDB")
		}
		c.setState(ReadingSource)
		img, md, err := openImage(image)
		if err != nil {
			return err
		}
		defer img.Close()
		return c.toWindows(img, md, src, out)
	})
}

// Extract writes the Portable PDB embedded in image to out.
func Extract(image io.ReaderAt, out io.Writer) error {
	if err := validate(image, out); err != nil {
		return err
	}
	img, err := peimage.Open(image)
	if err != nil {
		return fail(PhaseRead, KindInvalidImage, err, "failed to open image")
	}
	defer img.Close()
	data, err := img.EmbeddedPortablePdb()
	if err != nil {
		return fail(PhaseRead, KindUnrecognizedFormat, err, "failed to extract embedded PDB")
	}
	if _, err := io.Copy(out, bytes.NewReader(data)); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to write PDB")
	}
	return nil
}

func validate(image io.ReaderAt, out io.Writer) error {
	if image == nil {
		return fail(PhaseValidate, KindCapabilityUnavailable, nil, "no image to read")
	}
	if out == nil {
		return fail(PhaseValidate, KindCapabilityUnavailable, nil, "no output to write")
	}
	return nil
}

func openImage(r io.ReaderAt) (*peimage.Image, *tokens.MetadataTranslator, error) {
	img, err := peimage.Open(r)
	if err != nil {
		return nil, nil, fail(PhaseRead, KindInvalidImage, err, "failed to open image")
	}
	md, err := img.Translator()
	if err != nil {
		img.Close()
		return nil, nil, fail(PhaseRead, KindInvalidImage, err, "failed to read image metadata")
	}
	return img, md, nil
}

// checksumSize returns the digest size of a known hash algorithm.
func checksumSize(alg uuid.UUID) (int, bool) {
	switch alg {
	case pdb.HashMD5:
		return 16, true
	case portable.HashSHA1:
		return 20, true
	case portable.HashSHA256:
		return 32, true
	}
	return 0, false
}

func checkChecksum(sink *diag.Sink, name string, alg uuid.UUID, sum []byte) bool {
	if want, ok := checksumSize(alg); ok && len(sum) != want {
		sink.Report(diag.ChecksumSizeMismatch, 0, name, len(sum), want)
		return false
	}
	return true
}

func methodToken(rid int) metadata.Token {
	return metadata.NewToken(metadata.TableMethodDef, uint32(rid))
}
