package convert

import (
	"go.uber.org/zap"

	"github.com/jtang613/pdb2pdb/pkg/pdb"
	"github.com/jtang613/pdb2pdb/pkg/sourcelink"
)

type options struct {
	logger             *zap.Logger
	suppressSourceLink bool
	variables          []sourcelink.Variable
	writer             pdb.WriterFactory
}

// Option configures a Converter.
type Option func(*options)

// WithLogger sets the logger. A nil logger selects the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSuppressSourceLinkConversion copies Source Link and source server
// data through unchanged instead of translating between them.
func WithSuppressSourceLinkConversion(suppress bool) Option {
	return func(o *options) {
		o.suppressSourceLink = suppress
	}
}

// WithSourceServerVariable adds a variable to the generated source server
// stream, replacing a generated variable of the same name. Variables are
// applied in the order given.
func WithSourceServerVariable(name, value string) Option {
	return func(o *options) {
		o.variables = append(o.variables, sourcelink.Variable{Name: name, Value: value})
	}
}

// WithWindowsWriter sets the factory of the Windows PDB writer. The
// default is pdb.DefaultWriterFactory.
func WithWindowsWriter(f pdb.WriterFactory) Option {
	return func(o *options) {
		o.writer = f
	}
}

func defaultOptions() options {
	return options{writer: pdb.DefaultWriterFactory}
}
