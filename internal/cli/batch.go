package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jtang613/pdb2pdb/pkg/convert"
)

// BatchOptions holds the parsed flags of "batch".
type BatchOptions struct {
	Images       []string
	OutDir       string
	Jobs         int
	NoSourceLink bool
	Variables    []string
	Verbose      bool
}

func newBatchCmd(verbose *bool) *cobra.Command {
	var opts BatchOptions

	cmd := &cobra.Command{
		Use:   "batch <image>...",
		Short: "Convert the symbols of many images",
		Long: "batch converts each image's symbols into --out-dir. The symbols of image\n" +
			"dir/name.dll are read from dir/name.pdb when it exists and from the\n" +
			"embedded Portable PDB otherwise.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Images = args
			opts.Verbose = *verbose
			return validateBatchFlags(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "", "directory for the converted PDBs (required)")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", runtime.GOMAXPROCS(0), "number of concurrent conversions")
	cmd.Flags().BoolVar(&opts.NoSourceLink, "no-sourcelink", false, "copy Source Link data instead of translating it to srcsrv")
	cmd.Flags().StringArrayVar(&opts.Variables, "srcsrvvar", nil, "set a source server variable `name=value` (repeatable)")
	cmd.MarkFlagRequired("out-dir")

	return cmd
}

func validateBatchFlags(opts BatchOptions) error {
	if opts.OutDir == "" {
		return fmt.Errorf("--out-dir is required")
	}
	if opts.Jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1")
	}
	seen := map[string]string{}
	for _, image := range opts.Images {
		if err := requireFile(image); err != nil {
			return err
		}
		base := outputName(image)
		if prev, dup := seen[base]; dup {
			return fmt.Errorf("%s and %s would both be written to %s", prev, image, base)
		}
		seen[base] = image
	}
	_, err := parseVariables(opts.Variables)
	return err
}

// outputName returns the file name of the converted PDB of image.
func outputName(image string) string {
	base := filepath.Base(image)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".pdb"
}

// symbolsOf returns the PDB next to image, or "" when there is none.
func symbolsOf(image string) string {
	path := strings.TrimSuffix(image, filepath.Ext(image)) + ".pdb"
	if path == image || requireFile(path) != nil {
		return ""
	}
	return path
}

func runBatch(ctx context.Context, stderr io.Writer, opts BatchOptions) error {
	log, err := newLogger(opts.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()
	convert.SetLogger(log)

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	jobs := make([]convert.Job, 0, len(opts.Images))
	outs := make([]*os.File, 0, len(opts.Images))
	for _, image := range opts.Images {
		img, err := os.Open(image)
		if err != nil {
			return err
		}
		closers = append(closers, img)
		job := convert.Job{Name: image, Image: img}
		if pdb := symbolsOf(image); pdb != "" {
			sym, err := os.Open(pdb)
			if err != nil {
				return err
			}
			closers = append(closers, sym)
			job.Symbols = sym
		}
		out, err := os.Create(filepath.Join(opts.OutDir, outputName(image)))
		if err != nil {
			return err
		}
		closers = append(closers, out)
		outs = append(outs, out)
		job.Out = bufio.NewWriter(out)
		jobs = append(jobs, job)
	}

	vars, _ := parseVariables(opts.Variables)
	results, err := convert.Batch(ctx, jobs, opts.Jobs, converterOptions(log, opts.NoSourceLink, vars)...)
	if err != nil {
		return err
	}

	failed := 0
	for i, r := range results {
		if r.Err == nil {
			r.Err = jobs[i].Out.(*bufio.Writer).Flush()
		}
		for _, d := range r.Diagnostics {
			printDiagnostic(stderr, r.Name, d)
		}
		if r.Err != nil {
			failed++
			fmt.Fprintf(stderr, "%s: error: %v\n", r.Name, r.Err)
			os.Remove(outs[i].Name())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d conversions failed", failed, len(results))
	}
	return nil
}
