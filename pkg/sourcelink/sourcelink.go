// Package sourcelink translates between the source server stream of Windows
// PDBs and Source Link JSON documents used by Portable PDBs.
package sourcelink

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/jtang613/pdb2pdb/pkg/diag"
)

// Document is a Source Link JSON document. Keys are local paths, optionally
// ending in '*'; values are URLs, containing '*' when the key does.
type Document struct {
	Documents map[string]string `json:"documents"`
}

// Parse decodes a Source Link document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := gojson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse Source Link: %w", err)
	}
	if doc.Documents == nil {
		return nil, errors.New("sourcelink: document has no \"documents\" map")
	}
	return &doc, nil
}

// Marshal encodes the document with sorted keys.
func (d *Document) Marshal() ([]byte, error) {
	return gojson.MarshalNoEscape(d)
}

// Resolve returns the URL for a local path: an exact entry, or the wildcard
// entry with the longest matching prefix. Paths compare ignoring case.
func (d *Document) Resolve(path string) (string, bool) {
	keys := make([]string, 0, len(d.Documents))
	for key := range d.Documents {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !strings.HasSuffix(key, "*") && strings.EqualFold(key, path) {
			return d.Documents[key], true
		}
	}
	best := -1
	var result string
	for _, key := range keys {
		u := d.Documents[key]
		prefix, ok := strings.CutSuffix(key, "*")
		if !ok || len(prefix) <= best {
			continue
		}
		if len(path) < len(prefix) || !strings.EqualFold(path[:len(prefix)], prefix) {
			continue
		}
		best = len(prefix)
		rest := strings.ReplaceAll(path[len(prefix):], `\`, "/")
		result = strings.Replace(u, "*", rest, 1)
	}
	return result, best >= 0
}

// ToSourceLink converts a source server stream into a Source Link document.
// File lines that cannot be converted are reported to sink and skipped.
// When documents is non-empty, local paths are mapped to the matching
// document name (ignoring case); paths with no match are reported and kept
// as written. Later lines win over earlier lines naming the same path in a
// different case. It returns nil when no file could be converted.
func ToSourceLink(srcsrv string, documents []string, sink *diag.Sink) ([]byte, error) {
	server := ParseServer(srcsrv)

	if ctl, ok := server.Lookup("SRCSRVVERCTRL"); ok && !isHTTPScheme(ctl) {
		sink.Report(diag.InvalidSourceServerScheme, 0, ctl)
		return nil, nil
	}
	target := "SRCSRVTRG"
	if _, ok := server.Lookup(target); !ok {
		target = "RAWURL"
	}

	names := make(map[string]string, len(documents))
	for _, d := range documents {
		names[strings.ToLower(d)] = d
	}

	type entry struct{ path, url string }
	entries := map[string]entry{}
	for _, line := range server.Files {
		fields := strings.Split(line, "*")
		if len(fields) < 2 {
			sink.Report(diag.MalformedSourceServerLine, 0, line)
			continue
		}
		raw, err := server.ExpandVariable(target, fields)
		if err != nil {
			var undef *UndefinedVariableError
			if errors.As(err, &undef) {
				sink.Report(diag.UndefinedSourceServerVariable, 0, undef.Name)
			} else {
				sink.Report(diag.MalformedSourceServerLine, 0, line)
			}
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			sink.Report(diag.UnsupportedSourceServerUrl, 0, raw)
			continue
		}
		if !isHTTPScheme(u.Scheme) {
			sink.Report(diag.InvalidSourceServerScheme, 0, u.Scheme)
			continue
		}

		path := fields[0]
		if len(names) > 0 {
			if name, ok := names[strings.ToLower(path)]; ok {
				path = name
			} else {
				sink.Report(diag.UnmappedDocumentName, 0, path)
			}
		}
		entries[strings.ToLower(path)] = entry{path: path, url: raw}
	}

	if len(entries) == 0 {
		return nil, nil
	}
	doc := &Document{Documents: make(map[string]string, len(entries))}
	for _, e := range entries {
		doc.Documents[e.path] = e.url
	}
	return doc.Marshal()
}

func isHTTPScheme(s string) bool {
	return strings.EqualFold(s, "http") || strings.EqualFold(s, "https")
}

// FromSourceLink builds a source server stream for the given documents
// from a Source Link document. overrides replace or extend the generated
// variables in order. It returns "" when no document resolves to a URL.
func FromSourceLink(sourceLink []byte, documents []string, overrides []Variable, sink *diag.Sink) (string, error) {
	doc, err := Parse(sourceLink)
	if err != nil {
		sink.Report(diag.InvalidSourceLink, 0, err)
		return "", nil
	}

	type file struct{ path, url string }
	var files []file
	for _, path := range documents {
		u, ok := doc.Resolve(path)
		if !ok {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || !isHTTPScheme(parsed.Scheme) {
			sink.Report(diag.UnsupportedSourceServerUrl, 0, u)
			continue
		}
		if strings.ContainsAny(u, "*%") || strings.ContainsAny(path, "*%") {
			sink.Report(diag.UnsupportedSourceServerUrl, 0, u)
			continue
		}
		files = append(files, file{path: path, url: u})
	}
	if len(files) == 0 {
		return "", nil
	}

	groups := map[string][]int{}
	var order []string
	for i, f := range files {
		key := origin(f.url)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}
	sort.Strings(order)

	server := &Server{
		Ini: []Variable{
			{Name: "VERSION", Value: "2"},
			{Name: "INDEXVERSION", Value: "2"},
			{Name: "VERCTRL", Value: "http"},
		},
	}

	if len(order) == 1 {
		urls := make([]string, len(files))
		for i, f := range files {
			urls[i] = f.url
		}
		prefix, suffix := commonAffixes(urls)
		server.Variables = []Variable{
			{Name: "RAWURL", Value: prefix + "%var2%" + suffix},
			{Name: "SRCSRVVERCTRL", Value: "http"},
			{Name: "SRCSRVTRG", Value: "%RAWURL%"},
		}
		for _, f := range files {
			middle := f.url[len(prefix) : len(f.url)-len(suffix)]
			server.Files = append(server.Files, f.path+"*"+middle)
		}
	} else {
		server.Variables = []Variable{
			{Name: "RAWURL", Value: "%fnvar%(%var2%)%var3%"},
			{Name: "SRCSRVVERCTRL", Value: "http"},
			{Name: "SRCSRVTRG", Value: "%RAWURL%"},
		}
		lines := make([]string, len(files))
		for gi, key := range order {
			idx := groups[key]
			urls := make([]string, len(idx))
			for k, i := range idx {
				urls[k] = files[i].url
			}
			prefix, _ := commonAffixes(urls)
			name := "SRC" + strconv.Itoa(gi+1)
			server.Variables = append(server.Variables, Variable{Name: name, Value: prefix})
			for _, i := range idx {
				lines[i] = files[i].path + "*" + name + "*" + files[i].url[len(prefix):]
			}
		}
		server.Files = lines
	}

	for _, o := range overrides {
		server.Set(o.Name, o.Value)
	}
	return server.Format(), nil
}

// origin returns "scheme://host/" of a URL.
func origin(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return u
	}
	j := strings.IndexByte(u[i+3:], '/')
	if j < 0 {
		return u
	}
	return u[:i+3+j+1]
}

// commonAffixes returns the longest common prefix of urls cut after its
// last '/', and, for more than one URL, the common query string suffix of
// the remainders.
func commonAffixes(urls []string) (string, string) {
	prefix := urls[0]
	for _, u := range urls[1:] {
		prefix = prefix[:commonPrefixLen(prefix, u)]
	}
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		prefix = prefix[:i+1]
	}
	if o := origin(urls[0]); len(prefix) < len(o) {
		prefix = o
	}
	if len(urls) < 2 {
		return prefix, ""
	}

	suffix := urls[0][len(prefix):]
	for _, u := range urls[1:] {
		rest := u[len(prefix):]
		suffix = suffix[len(suffix)-commonSuffixLen(suffix, rest):]
	}
	// Only a shared query string is factored out.
	if i := strings.IndexByte(suffix, '?'); i >= 0 {
		suffix = suffix[i:]
	} else {
		suffix = ""
	}
	for _, u := range urls {
		if len(u)-len(prefix)-len(suffix) < 1 {
			return prefix, ""
		}
	}
	return prefix, suffix
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}
