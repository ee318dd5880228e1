// Package cli implements the pdb2pdb commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jtang613/pdb2pdb/pkg/convert"
	"github.com/jtang613/pdb2pdb/pkg/diag"
)

// ConvertOptions holds the parsed flags of the root command.
type ConvertOptions struct {
	Image        string
	Pdb          string
	Out          string
	Extract      bool
	Verbose      bool
	NoSourceLink bool
	Variables    []string
}

// NewRootCmd creates the pdb2pdb command. It converts one image's symbols
// and holds the batch and dump subcommands.
func NewRootCmd(version string) *cobra.Command {
	var opts ConvertOptions

	cmd := &cobra.Command{
		Use:   "pdb2pdb <image>",
		Short: "Convert between Windows PDB and Portable PDB",
		Long: "pdb2pdb converts the debug symbols of a managed image between the Windows PDB\n" +
			"and Portable PDB formats. The format of --pdb is detected from its content;\n" +
			"without --pdb the Portable PDB embedded in the image is converted. Without\n" +
			"--out the result is written next to the input with the extension .pdb2, or\n" +
			".pdb for --extract.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Image = args[0]
			if opts.Out == "" {
				opts.Out = defaultOutput(opts)
			}
			return validateConvertFlags(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd.Context(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Version = version

	cmd.Flags().StringVar(&opts.Pdb, "pdb", "", "Windows or Portable PDB to convert")
	cmd.Flags().StringVar(&opts.Out, "out", "", "output PDB path")
	cmd.Flags().BoolVar(&opts.Extract, "extract", false, "write the embedded Portable PDB without converting it")
	cmd.Flags().BoolVar(&opts.NoSourceLink, "no-sourcelink", false, "copy Source Link data instead of translating it to srcsrv")
	cmd.Flags().StringArrayVar(&opts.Variables, "srcsrvvar", nil, "set a source server variable `name=value` (repeatable)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log conversion progress")

	cmd.AddCommand(newBatchCmd(&opts.Verbose))
	cmd.AddCommand(newDumpCmd())
	return cmd
}

func validateConvertFlags(opts ConvertOptions) error {
	if err := requireFile(opts.Image); err != nil {
		return err
	}
	if opts.Pdb != "" {
		if opts.Extract {
			return fmt.Errorf("--extract cannot be combined with --pdb")
		}
		if err := requireFile(opts.Pdb); err != nil {
			return err
		}
	}
	if opts.Out == "" {
		return fmt.Errorf("no output path")
	}
	if sameFile(opts.Out, opts.Image) || (opts.Pdb != "" && sameFile(opts.Out, opts.Pdb)) {
		return fmt.Errorf("--out must differ from the input files")
	}
	_, err := parseVariables(opts.Variables)
	return err
}

// defaultOutput derives the output path from the inputs: the extracted PDB
// goes next to the image, a converted one next to its source with the
// extension .pdb2.
func defaultOutput(opts ConvertOptions) string {
	if opts.Extract {
		return withExtension(opts.Image, ".pdb")
	}
	if opts.Pdb != "" {
		return withExtension(opts.Pdb, ".pdb2")
	}
	return withExtension(opts.Image, ".pdb2")
}

func withExtension(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("not a file: %s", path)
	}
	return nil
}

type variable struct{ name, value string }

func parseVariables(list []string) ([]variable, error) {
	vars := make([]variable, 0, len(list))
	for _, kv := range list {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("--srcsrvvar %q must have the form name=value", kv)
		}
		vars = append(vars, variable{name: strings.TrimSpace(name), value: value})
	}
	return vars, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func converterOptions(log *zap.Logger, noSourceLink bool, vars []variable) []convert.Option {
	opts := []convert.Option{
		convert.WithLogger(log),
		convert.WithSuppressSourceLinkConversion(noSourceLink),
	}
	for _, v := range vars {
		opts = append(opts, convert.WithSourceServerVariable(v.name, v.value))
	}
	return opts
}

func runConvert(ctx context.Context, stderr io.Writer, opts ConvertOptions) error {
	log, err := newLogger(opts.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()
	convert.SetLogger(log)

	image, err := os.Open(opts.Image)
	if err != nil {
		return err
	}
	defer image.Close()

	return writeFile(opts.Out, func(out io.Writer) error {
		if opts.Extract {
			return convert.Extract(image, out)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		vars, _ := parseVariables(opts.Variables)
		c := convert.New(converterOptions(log, opts.NoSourceLink, vars)...)
		defer printDiagnostics(stderr, opts.Image, c.Diagnostics)

		if opts.Pdb == "" {
			return c.Convert(image, nil, out)
		}
		symbols, err := os.Open(opts.Pdb)
		if err != nil {
			return err
		}
		defer symbols.Close()
		return c.Convert(image, symbols, out)
	})
}

// writeFile creates path, fills it with fn and removes it again when fn
// fails.
func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	return fn(f)
}

func printDiagnostics(w io.Writer, name string, list func() []diag.Diagnostic) {
	for _, d := range list() {
		printDiagnostic(w, name, d)
	}
}

// printDiagnostic writes d as "name: warning PDBnnnn (token): message".
func printDiagnostic(w io.Writer, name string, d diag.Diagnostic) {
	fmt.Fprintf(w, "%s: warning %s\n", name, d)
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
