package cli

import (
	"fmt"
	"io"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jtang613/pdb2pdb/pkg/pdb"
	"github.com/jtang613/pdb2pdb/pkg/portable"
)

// DumpOptions holds the parsed flags of "dump".
type DumpOptions struct {
	Path    string
	Pretty  bool
	Methods bool
	Modules bool
}

func newDumpCmd() *cobra.Command {
	var opts DumpOptions

	cmd := &cobra.Command{
		Use:           "dump <pdb>",
		Short:         "Print the managed debug information of a PDB as JSON",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Path = args[0]
			return requireFile(opts.Path)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "pretty-print JSON output")
	cmd.Flags().BoolVar(&opts.Methods, "methods", false, "include per-method debug information")
	cmd.Flags().BoolVar(&opts.Modules, "modules", false, "include the modules of a Windows PDB")

	return cmd
}

// portableSummary is the dump of a Portable PDB.
type portableSummary struct {
	Format        string                     `json:"format"`
	Guid          uuid.UUID                  `json:"guid"`
	Stamp         uint32                     `json:"stamp"`
	EntryPoint    string                     `json:"entry_point,omitempty"`
	Documents     []portableDocument         `json:"documents"`
	Methods       int                        `json:"methods"`
	LocalScopes   int                        `json:"local_scopes"`
	ImportScopes  int                        `json:"import_scopes"`
	StateMachines int                        `json:"state_machines"`
	CustomDebug   int                        `json:"custom_debug_information"`
	MethodDetails []portable.MethodDebugInfo `json:"method_details,omitempty"`
}

type portableDocument struct {
	Name          string    `json:"name"`
	HashAlgorithm uuid.UUID `json:"hash_algorithm"`
	Language      uuid.UUID `json:"language"`
}

// windowsSummary is the dump of a Windows PDB.
type windowsSummary struct {
	Format    string            `json:"format"`
	Info      pdb.Info          `json:"info"`
	Documents []pdb.Document    `json:"documents"`
	Modules   []pdb.ModuleInfo  `json:"modules,omitempty"`
	Methods   []pdb.Method      `json:"methods,omitempty"`
	SrcSrv    string            `json:"srcsrv,omitempty"`
	Links     gojson.RawMessage `json:"sourcelink,omitempty"`
}

func runDump(w io.Writer, opts DumpOptions) error {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return err
	}

	var v any
	if portable.IsPortable(data) {
		p, err := portable.Read(data)
		if err != nil {
			return fmt.Errorf("failed to read Portable PDB: %w", err)
		}
		s := portableSummary{
			Format:        "portable",
			Guid:          p.Guid,
			Stamp:         p.Stamp,
			Methods:       len(p.Methods),
			LocalScopes:   len(p.LocalScopes),
			ImportScopes:  len(p.ImportScopes),
			StateMachines: len(p.StateMachineMethods),
			CustomDebug:   len(p.CustomDebugInfo),
		}
		if !p.EntryPoint.IsNil() {
			s.EntryPoint = p.EntryPoint.String()
		}
		for _, d := range p.Documents {
			s.Documents = append(s.Documents, portableDocument{Name: d.Name, HashAlgorithm: d.HashAlgorithm, Language: d.Language})
		}
		if opts.Methods {
			s.MethodDetails = p.Methods
		}
		v = s
	} else {
		r, err := pdb.OpenBytes(data)
		if err != nil {
			return err
		}
		defer r.Close()
		s := windowsSummary{
			Format:    "windows",
			Info:      r.Info(),
			Documents: r.Documents(),
			SrcSrv:    string(r.SourceServerData()),
		}
		if link := r.SourceLinkData(); gojson.Valid(link) {
			s.Links = link
		}
		if opts.Modules {
			s.Modules = r.Modules()
		}
		if opts.Methods {
			s.Methods = r.Methods()
		}
		v = s
	}

	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if opts.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
