// Package codec serializes problem exports.
package codec

import (
	"fmt"
	"io"
	"sort"
	"time"

	"errtally/internal/domain"
)

// ExportVersion is the schema version written into every export
const ExportVersion = 1

// ProblemExport is the document written by an Exporter
type ProblemExport struct {
	Version    int              `json:"version" yaml:"version"`
	ExportedAt time.Time        `json:"exported_at" yaml:"exported_at"`
	Problems   []domain.Problem `json:"problems" yaml:"problems"`
}

// NewProblemExport builds an export document from problems
func NewProblemExport(problems []*domain.Problem, at time.Time) *ProblemExport {
	doc := &ProblemExport{
		Version:    ExportVersion,
		ExportedAt: at.UTC(),
		Problems:   make([]domain.Problem, 0, len(problems)),
	}
	for _, p := range problems {
		if p != nil {
			doc.Problems = append(doc.Problems, *p)
		}
	}
	return doc
}

// Codec writes an export document in some format
type Codec interface {
	Export(doc *ProblemExport, w io.Writer) error
	Format() string
}

var codecs = map[string]Codec{
	"json": NewJSONCodec(),
	"yaml": NewYAMLCodec(),
	"yml":  NewYAMLCodec(),
}

// ForFormat returns the codec registered for format
func ForFormat(format string) (Codec, error) {
	c, ok := codecs[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format %q (supported: %v)", format, Formats())
	}
	return c, nil
}

// Formats lists the canonical format names
func Formats() []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range codecs {
		if !seen[c.Format()] {
			seen[c.Format()] = true
			names = append(names, c.Format())
		}
	}
	sort.Strings(names)
	return names
}
