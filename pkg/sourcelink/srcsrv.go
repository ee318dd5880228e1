package sourcelink

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Section headers of a source server stream.
const (
	headerIni         = "SRCSRV: ini"
	headerVariables   = "SRCSRV: variables"
	headerSourceFiles = "SRCSRV: source files"
	headerEnd         = "SRCSRV: end"
	headerRule        = " ------------------------------------------------"
)

// maxExpansionDepth bounds nested variable references.
const maxExpansionDepth = 16

// Variable is a source server variable definition.
type Variable struct {
	Name  string
	Value string
}

// Server is a parsed source server stream.
type Server struct {
	Ini       []Variable
	Variables []Variable
	Files     []string
}

// ParseServer splits a source server stream into its sections. Lines
// outside known sections are ignored.
func ParseServer(text string) *Server {
	s := &Server{}
	section := ""
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "SRCSRV:") {
			section = sectionName(line)
			continue
		}
		if line == "" {
			continue
		}
		switch section {
		case headerIni, headerVariables:
			name, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			v := Variable{Name: strings.TrimSpace(name), Value: value}
			if section == headerIni {
				s.Ini = append(s.Ini, v)
			} else {
				s.Variables = append(s.Variables, v)
			}
		case headerSourceFiles:
			s.Files = append(s.Files, line)
		}
	}
	return s
}

func sectionName(line string) string {
	for _, h := range []string{headerIni, headerVariables, headerSourceFiles, headerEnd} {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(h)) {
			return h
		}
	}
	return ""
}

// Lookup returns the value of the last definition of a variable, ignoring
// case.
func (s *Server) Lookup(name string) (string, bool) {
	v, _, ok := s.lookup(name, len(s.Variables))
	return v, ok
}

// lookup searches the first limit definitions and returns the value and
// index of the last one named name.
func (s *Server) lookup(name string, limit int) (string, int, bool) {
	for i := limit - 1; i >= 0; i-- {
		if strings.EqualFold(s.Variables[i].Name, name) {
			return s.Variables[i].Value, i, true
		}
	}
	return "", 0, false
}

// UndefinedVariableError is returned when expansion references a variable
// that has no definition.
type UndefinedVariableError struct {
	Name string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined source server variable %q", e.Name)
}

// Expand evaluates template against the variables of s, binding %var1%,
// %var2%, ... to fields. The functions %fnvar%, %fnbksl% and %fnfile% are
// supported. A %NAME% reference in the value of a variable only sees the
// variables defined before it; %fnvar% names are looked up among all
// variables since they depend on the file line.
func (s *Server) Expand(template string, fields []string) (string, error) {
	return s.expand(template, fields, len(s.Variables), 0)
}

// ExpandVariable evaluates the last definition of name against the
// variables defined before it.
func (s *Server) ExpandVariable(name string, fields []string) (string, error) {
	value, i, ok := s.lookup(name, len(s.Variables))
	if !ok {
		return "", &UndefinedVariableError{Name: name}
	}
	return s.expand(value, fields, i, 1)
}

// expand evaluates template against the first limit variables.
func (s *Server) expand(template string, fields []string, limit, depth int) (string, error) {
	if depth > maxExpansionDepth {
		return "", fmt.Errorf("source server variable expansion too deep in %q", template)
	}
	var b strings.Builder
	for len(template) > 0 {
		i := strings.IndexByte(template, '%')
		if i < 0 {
			b.WriteString(template)
			break
		}
		b.WriteString(template[:i])
		rest := template[i+1:]
		j := strings.IndexByte(rest, '%')
		if j < 0 {
			b.WriteString(template[i:])
			break
		}
		name := strings.ToLower(rest[:j])
		template = rest[j+1:]

		switch name {
		case "fnvar", "fnbksl", "fnfile":
			arg, remaining, err := functionArgument(template)
			if err != nil {
				return "", err
			}
			template = remaining
			v, err := s.expand(arg, fields, limit, depth+1)
			if err != nil {
				return "", err
			}
			switch name {
			case "fnvar":
				value, i, ok := s.lookup(v, len(s.Variables))
				if !ok {
					return "", &UndefinedVariableError{Name: v}
				}
				if v, err = s.expand(value, fields, i, depth+1); err != nil {
					return "", err
				}
			case "fnbksl":
				v = strings.ReplaceAll(v, "/", `\`)
			case "fnfile":
				if k := strings.LastIndexAny(v, `\/`); k >= 0 {
					v = v[k+1:]
				}
			}
			b.WriteString(v)
			continue
		}

		if n, ok := fieldIndex(name); ok {
			if n > len(fields) {
				return "", &UndefinedVariableError{Name: name}
			}
			b.WriteString(fields[n-1])
			continue
		}

		value, i, ok := s.lookup(name, limit)
		if !ok {
			return "", &UndefinedVariableError{Name: name}
		}
		v, err := s.expand(value, fields, i, depth+1)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// fieldIndex parses "varN" with N >= 1.
func fieldIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "var") {
		return 0, false
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// functionArgument extracts the parenthesized argument at the start of s.
func functionArgument(s string) (string, string, error) {
	if !strings.HasPrefix(s, "(") {
		return "", "", fmt.Errorf("source server function without argument at %q", s)
	}
	depth := 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unterminated source server function argument %q", s)
}

// Format renders the four-section source server stream.
func (s *Server) Format() string {
	var b strings.Builder
	line := func(parts ...string) {
		for _, p := range parts {
			b.WriteString(p)
		}
		b.WriteString("\r\n")
	}
	line(headerIni, headerRule)
	for _, v := range s.Ini {
		line(v.Name, "=", v.Value)
	}
	line(headerVariables, headerRule)
	for _, v := range s.Variables {
		line(v.Name, "=", v.Value)
	}
	line(headerSourceFiles, headerRule)
	for _, f := range s.Files {
		line(f)
	}
	line(headerEnd, headerRule)
	return b.String()
}

// Set replaces a variable with the same name, ignoring case, or appends it.
func (s *Server) Set(name, value string) {
	for i := range s.Variables {
		if strings.EqualFold(s.Variables[i].Name, name) {
			s.Variables[i].Value = value
			return
		}
	}
	s.Variables = append(s.Variables, Variable{Name: name, Value: value})
}
