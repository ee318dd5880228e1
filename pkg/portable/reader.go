package portable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// ErrNotPortable is returned for data that is not a Portable PDB.
var ErrNotPortable = errors.New("portable: not a Portable PDB")

// IsPortable reports whether data starts with a metadata root signature.
func IsPortable(data []byte) bool {
	return metadata.HasRootMagic(data)
}

// checkVersion accepts "PDB v1.x" version strings.
func checkVersion(version string) error {
	v, ok := strings.CutPrefix(version, "PDB ")
	if !ok || !semver.IsValid(v) || semver.Major(v) != "v1" {
		return fmt.Errorf("%w: unsupported metadata version %q", ErrNotPortable, version)
	}
	return nil
}

// Read parses a Portable PDB.
func Read(data []byte) (*Pdb, error) {
	if !IsPortable(data) {
		return nil, ErrNotPortable
	}
	root, err := metadata.ReadRoot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata root: %w", err)
	}
	if err := checkVersion(root.Version); err != nil {
		return nil, err
	}

	pdbStream, ok := root.Stream("#Pdb")
	if !ok {
		return nil, fmt.Errorf("%w: missing #Pdb stream", ErrNotPortable)
	}
	p := &Pdb{}
	if err := p.readPdbStream(pdbStream); err != nil {
		return nil, err
	}

	tableStream, ok := root.Stream("#~")
	if !ok {
		return nil, fmt.Errorf("%w: missing #~ stream", ErrNotPortable)
	}
	tables, err := metadata.ReadTables(tableStream, root.Heaps(), &p.TypeSystemRowCounts)
	if err != nil {
		return nil, fmt.Errorf("failed to read debug tables: %w", err)
	}

	steps := []struct {
		name string
		fn   func(*metadata.Tables) error
	}{
		{"Document", p.readDocuments},
		{"MethodDebugInformation", p.readMethods},
		{"LocalScope", p.readLocalScopes},
		{"ImportScope", p.readImportScopes},
		{"StateMachineMethod", p.readStateMachineMethods},
		{"CustomDebugInformation", p.readCustomDebugInfo},
	}
	for _, step := range steps {
		if err := step.fn(tables); err != nil {
			return nil, fmt.Errorf("failed to read %s table: %w", step.name, err)
		}
	}
	return p, nil
}

func (p *Pdb) readPdbStream(data []byte) error {
	if len(data) < 32 {
		return fmt.Errorf("%w: #Pdb stream too small: %d bytes", ErrNotPortable, len(data))
	}
	p.Guid = metadata.GUIDFromBytes(data[0:16])
	p.Stamp = binary.LittleEndian.Uint32(data[16:20])
	p.EntryPoint = metadata.Token(binary.LittleEndian.Uint32(data[20:24]))
	referenced := binary.LittleEndian.Uint64(data[24:32])

	off := 32
	for i := 0; i < metadata.MaxTables; i++ {
		if referenced&(1<<uint(i)) == 0 {
			continue
		}
		if off+4 > len(data) {
			return fmt.Errorf("%w: #Pdb stream truncated in row counts", ErrNotPortable)
		}
		p.TypeSystemRowCounts[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return nil
}

func (p *Pdb) readDocuments(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableDocument)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableDocument, rid)
		nameBlob, err := row.Blob(metadata.ColDocumentName)
		if err != nil {
			return err
		}
		name, err := decodeDocumentName(nameBlob, &t.Heaps)
		if err != nil {
			return fmt.Errorf("document %d: %w", rid, err)
		}
		alg, err := t.GUID(row.Uint(metadata.ColDocumentHashAlgorithm))
		if err != nil {
			return err
		}
		hash, err := row.Blob(metadata.ColDocumentHash)
		if err != nil {
			return err
		}
		lang, err := t.GUID(row.Uint(metadata.ColDocumentLanguage))
		if err != nil {
			return err
		}
		p.Documents = append(p.Documents, Document{
			Name:          name,
			HashAlgorithm: alg,
			Hash:          hash,
			Language:      lang,
		})
	}
	return nil
}

func (p *Pdb) readMethods(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableMethodDebugInformation)
	p.Methods = make([]MethodDebugInfo, 0, n)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableMethodDebugInformation, rid)
		blob, err := row.Blob(metadata.ColMethodDebugSequencePoints)
		if err != nil {
			return err
		}
		sig, points, err := DecodeSequencePoints(blob, int(row.Uint(metadata.ColMethodDebugDocument)))
		if err != nil {
			return fmt.Errorf("method %d: %w", rid, err)
		}
		p.Methods = append(p.Methods, MethodDebugInfo{LocalSignature: sig, SequencePoints: points})
	}
	return nil
}

func (p *Pdb) readLocalScopes(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableLocalScope)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableLocalScope, rid)
		scope := LocalScope{
			Method:      row.Token(metadata.ColLocalScopeMethod),
			ImportScope: int(row.Uint(metadata.ColLocalScopeImportScope)),
			StartOffset: int(row.Uint(metadata.ColLocalScopeStartOffset)),
			Length:      int(row.Uint(metadata.ColLocalScopeLength)),
		}

		start, end := t.RowRange(metadata.TableLocalScope, rid, metadata.ColLocalScopeVariableList)
		for v := start; v < end; v++ {
			vr, ok := t.Row(metadata.TableLocalVariable, v)
			if !ok {
				return fmt.Errorf("scope %d: local variable %d out of range", rid, v)
			}
			name, err := vr.String(metadata.ColLocalVariableName)
			if err != nil {
				return err
			}
			scope.Variables = append(scope.Variables, LocalVariable{
				Attributes: uint16(vr.Uint(metadata.ColLocalVariableAttributes)),
				Index:      int(vr.Uint(metadata.ColLocalVariableIndex)),
				Name:       name,
			})
		}

		start, end = t.RowRange(metadata.TableLocalScope, rid, metadata.ColLocalScopeConstantList)
		for c := start; c < end; c++ {
			cr, ok := t.Row(metadata.TableLocalConstant, c)
			if !ok {
				return fmt.Errorf("scope %d: local constant %d out of range", rid, c)
			}
			name, err := cr.String(metadata.ColLocalConstantName)
			if err != nil {
				return err
			}
			sig, err := cr.Blob(metadata.ColLocalConstantSignature)
			if err != nil {
				return err
			}
			scope.Constants = append(scope.Constants, LocalConstant{Name: name, Signature: sig})
		}
		p.LocalScopes = append(p.LocalScopes, scope)
	}
	return nil
}

func (p *Pdb) readImportScopes(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableImportScope)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableImportScope, rid)
		scope := ImportScope{Parent: int(row.Uint(metadata.ColImportScopeParent))}
		blob, err := row.Blob(metadata.ColImportScopeImports)
		if err != nil {
			return err
		}
		defs, err := imports.Decode(blob)
		var unknown *imports.UnknownKindError
		switch {
		case errors.As(err, &unknown):
			scope.UnknownKind = unknown.Kind
		case err != nil:
			return fmt.Errorf("import scope %d: %w", rid, err)
		}
		for _, d := range defs {
			imp, err := resolveImport(d, &t.Heaps)
			if err != nil {
				return fmt.Errorf("import scope %d: %w", rid, err)
			}
			scope.Imports = append(scope.Imports, imp)
		}
		p.ImportScopes = append(p.ImportScopes, scope)
	}
	return nil
}

func resolveImport(d imports.Definition, heaps *metadata.Heaps) (Import, error) {
	imp := Import{Kind: d.Kind, AssemblyRef: d.AssemblyRef}
	if d.Alias != 0 {
		b, err := heaps.Blob(d.Alias)
		if err != nil {
			return imp, err
		}
		imp.Alias = string(b)
	}
	if d.Namespace != 0 {
		b, err := heaps.Blob(d.Namespace)
		if err != nil {
			return imp, err
		}
		imp.Target = string(b)
	}
	if d.Kind == imports.KindImportType || d.Kind == imports.KindAliasType {
		imp.Type = d.TypeToken()
	}
	return imp, nil
}

func (p *Pdb) readStateMachineMethods(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableStateMachineMethod)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableStateMachineMethod, rid)
		p.StateMachineMethods = append(p.StateMachineMethods, StateMachineMethod{
			MoveNext: row.Token(metadata.ColStateMachineMoveNext),
			Kickoff:  row.Token(metadata.ColStateMachineKickoff),
		})
	}
	return nil
}

func (p *Pdb) readCustomDebugInfo(t *metadata.Tables) error {
	n := t.RowCount(metadata.TableCustomDebugInformation)
	for rid := uint32(1); rid <= n; rid++ {
		row, _ := t.Row(metadata.TableCustomDebugInformation, rid)
		kind, err := t.GUID(row.Uint(metadata.ColCustomDebugInfoKind))
		if err != nil {
			return err
		}
		value, err := row.Blob(metadata.ColCustomDebugInfoValue)
		if err != nil {
			return err
		}
		p.CustomDebugInfo = append(p.CustomDebugInfo, CustomDebugInfo{
			Parent: row.Token(metadata.ColCustomDebugInfoParent),
			Kind:   kind,
			Value:  value,
		})
	}
	return nil
}
