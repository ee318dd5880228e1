package imports

import (
	"errors"
	"fmt"
	"strings"
)

// Syntax selects the textual form of a Windows using string.
type Syntax int

const (
	SyntaxCSharp Syntax = iota
	SyntaxVBFile
	SyntaxVBProject
)

var (
	// ErrMalformedUsing is returned for using strings that cannot be parsed.
	ErrMalformedUsing = errors.New("imports: malformed using string")
	// ErrUnsupportedUsing is returned when an import has no textual form in
	// the requested syntax.
	ErrUnsupportedUsing = errors.New("imports: import not expressible as using string")
)

// Using is the string form of an import as stored in Windows PDBs.
//
// Alias holds the alias, the extern alias of an X record or the XML prefix.
// Target holds the namespace, the serialized type name or the XML namespace.
// Assembly holds the extern alias of E records and the assembly name of Z
// records.
type Using struct {
	Kind     Kind
	Syntax   Syntax
	Alias    string
	Target   string
	Assembly string
}

// ParseUsing decodes one Windows using string.
func ParseUsing(s string) (Using, error) {
	if s == "" {
		return Using{}, fmt.Errorf("%w: empty", ErrMalformedUsing)
	}
	body := s[1:]
	switch s[0] {
	case 'U':
		return Using{Kind: KindImportNamespace, Target: body}, nil
	case 'T':
		return Using{Kind: KindImportType, Target: body}, nil
	case 'X':
		return Using{Kind: KindImportAssemblyReferenceAlias, Alias: body}, nil
	case 'Z':
		alias, assembly, ok := strings.Cut(body, " ")
		if !ok || alias == "" || assembly == "" {
			return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
		}
		return Using{Kind: KindAliasAssemblyReference, Alias: alias, Assembly: assembly}, nil
	case 'E':
		ns, extern, ok := cutLast(body)
		if !ok {
			return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
		}
		return Using{Kind: KindImportAssemblyNamespace, Target: ns, Assembly: extern}, nil
	case 'A':
		return parseAlias(s, body)
	case '@':
		return parseVB(s, body)
	default:
		return Using{}, fmt.Errorf("%w: unknown prefix in %q", ErrMalformedUsing, s)
	}
}

func parseAlias(s, body string) (Using, error) {
	alias, rest, ok := strings.Cut(body, " ")
	if !ok || alias == "" || rest == "" {
		return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
	}
	target := rest[1:]
	switch rest[0] {
	case 'U':
		return Using{Kind: KindAliasNamespace, Alias: alias, Target: target}, nil
	case 'T':
		return Using{Kind: KindAliasType, Alias: alias, Target: target}, nil
	case 'E':
		ns, extern, ok := cutLast(target)
		if !ok {
			return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
		}
		return Using{Kind: KindAliasAssemblyNamespace, Alias: alias, Target: ns, Assembly: extern}, nil
	}
	return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
}

// parseVB handles "@F:ns", "@FA:alias=target" and "@FX:prefix=xmlns" and
// their project-level "@P" counterparts.
func parseVB(s, body string) (Using, error) {
	if len(body) < 2 {
		return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
	}
	u := Using{Syntax: SyntaxVBFile}
	switch body[0] {
	case 'F':
	case 'P':
		u.Syntax = SyntaxVBProject
	default:
		return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
	}

	rest := body[1:]
	switch {
	case strings.HasPrefix(rest, ":"):
		u.Kind = KindImportNamespace
		u.Target = rest[1:]
		return u, nil
	case strings.HasPrefix(rest, "A:"):
		u.Kind = KindAliasNamespace
	case strings.HasPrefix(rest, "X:"):
		u.Kind = KindImportXmlNamespace
	default:
		return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
	}
	name, target, ok := strings.Cut(rest[2:], "=")
	if !ok || (u.Kind == KindAliasNamespace && name == "") {
		return Using{}, fmt.Errorf("%w: %q", ErrMalformedUsing, s)
	}
	u.Alias, u.Target = name, target
	return u, nil
}

func cutLast(s string) (string, string, bool) {
	i := strings.LastIndexByte(s, ' ')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// String renders the using in its syntax. Imports with no textual form
// render as the empty string; use Format to get the error.
func (u Using) String() string {
	s, _ := Format(u)
	return s
}

// Format encodes u as a Windows using string.
func Format(u Using) (string, error) {
	if u.Syntax != SyntaxCSharp {
		return formatVB(u)
	}
	switch u.Kind {
	case KindImportNamespace:
		return "U" + u.Target, nil
	case KindAliasNamespace:
		return "A" + u.Alias + " U" + u.Target, nil
	case KindImportType:
		return "T" + u.Target, nil
	case KindAliasType:
		return "A" + u.Alias + " T" + u.Target, nil
	case KindImportAssemblyNamespace:
		return "E" + u.Target + " " + u.Assembly, nil
	case KindAliasAssemblyNamespace:
		return "A" + u.Alias + " E" + u.Target + " " + u.Assembly, nil
	case KindImportAssemblyReferenceAlias:
		return "X" + u.Alias, nil
	case KindAliasAssemblyReference:
		return "Z" + u.Alias + " " + u.Assembly, nil
	}
	return "", fmt.Errorf("%w: %s in C# syntax", ErrUnsupportedUsing, u.Kind)
}

func formatVB(u Using) (string, error) {
	prefix := "@F"
	if u.Syntax == SyntaxVBProject {
		prefix = "@P"
	}
	switch u.Kind {
	case KindImportNamespace, KindImportType:
		return prefix + ":" + u.Target, nil
	case KindAliasNamespace, KindAliasType:
		return prefix + "A:" + u.Alias + "=" + u.Target, nil
	case KindImportXmlNamespace:
		return prefix + "X:" + u.Alias + "=" + u.Target, nil
	}
	return "", fmt.Errorf("%w: %s in VB syntax", ErrUnsupportedUsing, u.Kind)
}
