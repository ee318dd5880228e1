package convert

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jtang613/pdb2pdb/pkg/diag"
)

// Job is one conversion of a batch. A nil Symbols converts the Portable
// PDB embedded in the image.
type Job struct {
	Name    string
	Image   io.ReaderAt
	Symbols io.ReaderAt
	Out     io.Writer
}

// Result is the outcome of a Job.
type Result struct {
	Name        string
	Diagnostics []diag.Diagnostic
	Err         error
}

// Batch runs jobs with at most limit conversions in flight, each on its own
// Converter. Failed jobs do not stop the others; their errors are returned
// in the results. The returned error is only set when ctx is cancelled.
func Batch(ctx context.Context, jobs []Job, limit int, opts ...Option) ([]Result, error) {
	results := make([]Result, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := New(opts...)
			err := c.Convert(job.Image, job.Symbols, job.Out)
			if err != nil {
				c.log.Info("conversion failed", zap.String("job", job.Name), zap.Error(err))
			}
			results[i] = Result{Name: job.Name, Diagnostics: c.Diagnostics(), Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
