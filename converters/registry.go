package converters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fileconverter/models"
)

// ErrCorruptInput marks inputs the tools recognized as unreadable, as
// opposed to tool crashes.
var ErrCorruptInput = errors.New("corrupt input file")

// Kind is the coarse source classification used for capability dispatch.
type Kind string

const (
	KindImage    Kind = "image"
	KindPDF      Kind = "pdf"
	KindDocument Kind = "document"
)

// KindOf classifies a file extension.
func KindOf(ext string) (Kind, bool) {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg", "png", "webp":
		return KindImage, true
	case "pdf":
		return KindPDF, true
	case "docx":
		return KindDocument, true
	}
	return "", false
}

// Converter transforms staged local input files into one or more local
// output files inside workDir. Implementations must honor ctx cancellation;
// the dispatcher runs every call under the conversion timeout.
type Converter interface {
	Name() string
	Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error)
}

// supportedPairs is the closed set of source extension -> target formats.
// Unknown pairs are rejected deterministically at admission time.
var supportedPairs = map[string][]string{
	"jpg":  {"png", "webp", "pdf"},
	"jpeg": {"png", "webp", "pdf"},
	"png":  {"jpg", "webp", "pdf"},
	"webp": {"jpg", "png", "pdf"},
	"pdf":  {"docx", "jpg", "png"},
	"docx": {"pdf"},
}

type capKey struct {
	kind   Kind
	target string
}

// Registry maps (source kind, target format) pairs to conversion
// capabilities and validates supported pairs before jobs are admitted.
type Registry struct {
	caps map[capKey]Converter
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[capKey]Converter)}
}

// Register binds a converter to a source kind for each listed target.
// Later registrations replace earlier ones, which tests rely on to inject
// fakes.
func (r *Registry) Register(kind Kind, targets []string, c Converter) {
	for _, t := range targets {
		r.caps[capKey{kind: kind, target: strings.ToLower(t)}] = c
	}
}

// RegisterDefaults wires the production capability set.
func (r *Registry) RegisterDefaults(imagemagickPath, pdftoppmPath, sofficePath string, gotenberg *GotenbergClient) {
	r.Register(KindImage, []string{"jpg", "jpeg", "png", "webp"}, NewImageConverter(imagemagickPath))
	r.Register(KindImage, []string{"pdf"}, NewImagesToPDF(imagemagickPath))
	r.Register(KindPDF, []string{"jpg", "png"}, NewPDFToImages(pdftoppmPath))
	r.Register(KindPDF, []string{"docx"}, NewPDFToDocument(sofficePath))
	r.Register(KindDocument, []string{"pdf"}, NewDocumentToPDF(gotenberg))
}

// Supports reports whether the exact source extension -> target pair is in
// the closed capability table.
func (r *Registry) Supports(sourceExt, target string) bool {
	sourceExt = strings.ToLower(sourceExt)
	target = strings.ToLower(target)

	targets, ok := supportedPairs[sourceExt]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == target {
			// The table is authoritative, but only pairs with a
			// registered capability are actually convertible.
			kind, _ := KindOf(sourceExt)
			_, bound := r.caps[capKey{kind: kind, target: target}]
			return bound
		}
	}
	return false
}

// Resolve returns the capability for a source extension and target format.
func (r *Registry) Resolve(sourceExt, target string) (Converter, error) {
	if !r.Supports(sourceExt, target) {
		return nil, models.NewAdmissionError(models.CodeUnsupportedConversion,
			"cannot convert %s to %s", strings.ToLower(sourceExt), strings.ToLower(target))
	}
	kind, _ := KindOf(sourceExt)
	return r.caps[capKey{kind: kind, target: strings.ToLower(target)}], nil
}

// KnownExtension reports whether the extension is an accepted upload type.
func (r *Registry) KnownExtension(ext string) bool {
	_, ok := supportedPairs[strings.ToLower(ext)]
	return ok
}

// KnownTarget reports whether any source converts to the given format.
func (r *Registry) KnownTarget(target string) bool {
	target = strings.ToLower(target)
	for _, targets := range supportedPairs {
		for _, t := range targets {
			if t == target {
				return true
			}
		}
	}
	return false
}

// Extensions lists the accepted upload extensions, sorted, for messages.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(supportedPairs))
	for ext := range supportedPairs {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Classify maps a converter failure to the typed job error recorded on the
// job: timeouts, corrupt inputs, and everything else as tool failure.
func Classify(err error) *models.JobError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewJobError(models.CodeConversionTimeout, "conversion exceeded the execution timeout")
	case errors.Is(err, ErrCorruptInput):
		return models.NewJobError(models.CodeCorruptInput, "%s", err.Error())
	default:
		return models.NewJobError(models.CodeToolFailure, "%s", err.Error())
	}
}

// outputName derives an output file name from an input path.
func outputName(input, target string) string {
	base := input
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s.%s", base, strings.ToLower(target))
}
