package wps

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
)

// Normalizer merges the two halves of an application package.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer with the given logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logging.OrDiscard(logger).With("component", "normalizer")}
}

// Package is a raw application package as submitted for deployment. WPS
// may be empty, in which case the CWL document is the whole description.
// CWL may be empty only for remotely hosted processes.
type Package struct {
	CWL []byte
	WPS []byte
}

// NormalizePackage parses both documents and merges them.
func (n *Normalizer) NormalizePackage(pkg Package) (*model.Process, error) {
	var doc *cwl.Document
	if len(pkg.CWL) > 0 {
		parsed, err := cwl.Parse(pkg.CWL)
		if err != nil {
			return nil, model.NewValidationError("invalid CWL document",
				model.FieldError{Field: "cwl", Message: err.Error()})
		}
		doc = parsed
	}
	desc := &Description{}
	if len(pkg.WPS) > 0 {
		parsed, err := ParseDescription(pkg.WPS)
		if err != nil {
			return nil, model.NewValidationError("invalid process description",
				model.FieldError{Field: "wps", Message: err.Error()})
		}
		desc = parsed
	}
	if doc == nil && len(desc.Inputs) == 0 && len(desc.Outputs) == 0 && desc.ID == "" {
		return nil, model.NewValidationError("application package is empty",
			model.FieldError{Field: "cwl", Message: "a CWL document or a process description is required"})
	}

	proc, err := n.Normalize(desc, doc)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		proc.Package.CWL = string(pkg.CWL)
	}
	return proc, nil
}

// Normalize merges a WPS description and a CWL document into one Process.
// Every conflicting field is reported in a single PackageMismatchError.
// doc may be nil for remotely hosted processes; the description is then
// adopted as-is.
func (n *Normalizer) Normalize(desc *Description, doc *cwl.Document) (*model.Process, error) {
	if desc == nil {
		desc = &Description{}
	}
	proc := &model.Process{
		ID:       desc.ID,
		Title:    desc.Title,
		Abstract: desc.Abstract,
		Keywords: desc.Keywords,
		Backend:  model.BackendCWL,
	}

	var cwlInputs, cwlOutputs []cwl.Param
	if doc != nil {
		if doc.Class == "ExpressionTool" {
			return nil, model.NewValidationError("unsupported CWL class",
				model.FieldError{Field: "cwl.class", Message: "ExpressionTool packages cannot be deployed"})
		}
		cwlInputs, cwlOutputs = doc.Inputs, doc.Outputs
		proc.ID = firstNonEmpty(proc.ID, doc.ID)
		proc.Title = firstNonEmpty(proc.Title, doc.Label)
		proc.Abstract = firstNonEmpty(proc.Abstract, doc.Doc)
		proc.DockerImage = doc.DockerPull()
		proc.Package = model.ExecutionPackage{Class: doc.Class, CWLVersion: doc.CWLVersion}
	}

	var errs []model.FieldError
	var fe []model.FieldError
	proc.Inputs, fe = mergeParams("inputs", desc.Inputs, cwlInputs, doc, true)
	errs = append(errs, fe...)
	proc.Outputs, fe = mergeParams("outputs", desc.Outputs, cwlOutputs, doc, false)
	errs = append(errs, fe...)

	if len(errs) > 0 {
		n.logger.Debug("package mismatch", "process_id", proc.ID, "conflicts", len(errs))
		return nil, model.NewPackageMismatchError(errs...)
	}
	n.logger.Debug("package normalized", "process_id", proc.ID,
		"inputs", len(proc.Inputs), "outputs", len(proc.Outputs))
	return proc, nil
}

// mergeParams pairs parameters by id. CWL-only parameters are adopted as-is.
// WPS-only parameters are adopted only when the CWL side declares nothing
// (or there is no CWL document); otherwise they cannot resolve to a CWL
// parameter and fail the merge.
func mergeParams(section string, wpsParams []Param, cwlParams []cwl.Param, doc *cwl.Document, input bool) ([]model.Parameter, []model.FieldError) {
	var out []model.Parameter
	var errs []model.FieldError

	wpsByID := make(map[string]Param, len(wpsParams))
	for _, p := range wpsParams {
		wpsByID[p.ID] = p
	}

	for _, cp := range cwlParams {
		field := section + "." + cp.ID
		wp, hasWPS := wpsByID[cp.ID]
		var wpsPtr *Param
		if hasWPS {
			wpsPtr = &wp
		}
		p, fe := mergeParam(field, cp, wpsPtr, doc, input)
		errs = append(errs, fe...)
		out = append(out, p)
	}

	cwlIDs := make(map[string]bool, len(cwlParams))
	for _, cp := range cwlParams {
		cwlIDs[cp.ID] = true
	}
	for _, wp := range wpsParams {
		if cwlIDs[wp.ID] {
			continue
		}
		if doc != nil && len(cwlParams) > 0 {
			errs = append(errs, model.FieldError{
				Field:   section + "." + wp.ID,
				Message: fmt.Sprintf("%q is declared in the process description but not in the CWL document", wp.ID),
			})
			continue
		}
		out = append(out, adoptWPS(wp))
	}
	return out, errs
}

func mergeParam(field string, cp cwl.Param, wp *Param, doc *cwl.Document, input bool) (model.Parameter, []model.FieldError) {
	var errs []model.FieldError
	p := model.Parameter{ID: cp.ID}

	var fe []model.FieldError
	p.Type, fe = mergeType(field, cp.Type, wp)
	errs = append(errs, fe...)
	p.MinOccurs, p.MaxOccurs, fe = mergeOccurs(field, cp, wp, input)
	errs = append(errs, fe...)
	p.Formats, fe = mergeFormats(field, cp.Format, wp)
	errs = append(errs, fe...)
	p.AllowedValues, fe = mergeAllowedValues(field, cp.Type.Symbols, wp)
	errs = append(errs, fe...)
	p.Title, p.Abstract, p.Keywords = mergeText(cp, wp)
	p.LoadContents, p.SecondaryFiles, p.Glob = mergeStaging(cp, doc)

	p.Default = cp.Default
	if !cp.HasDefault && wp != nil {
		p.Default = wp.Default
	}
	return p, errs
}

// cwlParamType maps a CWL base type to the canonical type.
func cwlParamType(t cwl.Type) model.ParamType {
	switch t.Base {
	case "stdout", "stderr":
		return model.TypeFile
	case "record":
		return model.TypeAny
	}
	return model.ParamType(t.Base)
}

// literalCompat lists the WPS literal kinds each CWL literal type accepts.
var literalCompat = map[model.ParamType][]string{
	model.TypeString:  {LiteralString},
	model.TypeEnum:    {LiteralString},
	model.TypeInt:     {LiteralInteger},
	model.TypeLong:    {LiteralInteger},
	model.TypeFloat:   {LiteralNumber, LiteralInteger},
	model.TypeDouble:  {LiteralNumber, LiteralInteger},
	model.TypeBoolean: {LiteralBoolean},
}

// mergeType: CWL wins. WPS complex data must map to a CWL File/Directory
// and a WPS literal kind must be compatible with the CWL literal type.
func mergeType(field string, ct cwl.Type, wp *Param) (model.ParamType, []model.FieldError) {
	typ := cwlParamType(ct)
	if wp == nil || typ == model.TypeAny {
		return typ, nil
	}
	conflict := func(msg string) []model.FieldError {
		return []model.FieldError{{Field: field + ".type", Message: msg}}
	}
	if typ.IsComplex() {
		if !wp.Complex && wp.Literal != "" {
			return typ, conflict(fmt.Sprintf("CWL type %s is complex but the description declares literal %s", ct, wp.Literal))
		}
		return typ, nil
	}
	if wp.Complex && wp.Literal == "" {
		return typ, conflict(fmt.Sprintf("description declares complex data but CWL type is %s", ct))
	}
	if wp.Literal != "" && !slices.Contains(literalCompat[typ], wp.Literal) {
		return typ, conflict(fmt.Sprintf("literal %s is not compatible with CWL type %s", wp.Literal, ct))
	}
	return typ, nil
}

// mergeOccurs derives cardinality. Required-ness comes from CWL: optional
// or defaulted parameters get minOccurs 0, required ones at least 1. A
// non-array CWL type allows exactly one value; an array is unbounded unless
// the description bounds it at 2 or more. Outputs follow the same rule.
func mergeOccurs(field string, cp cwl.Param, wp *Param, input bool) (int, int, []model.FieldError) {
	var errs []model.FieldError
	required := cp.Required()
	if !input {
		required = !cp.Type.Optional
	}

	minOccurs := 0
	if required {
		minOccurs = 1
	}
	maxOccurs := 1
	if cp.Type.Array {
		maxOccurs = model.Unbounded
	}

	if wp == nil {
		return minOccurs, maxOccurs, nil
	}

	if wp.MaxOccurs != nil {
		wmax := *wp.MaxOccurs
		switch {
		case !cp.Type.Array && (wmax == model.Unbounded || wmax > 1):
			errs = append(errs, model.FieldError{
				Field:   field + ".maxOccurs",
				Message: fmt.Sprintf("maxOccurs %s requires an array CWL type, got %s", occursString(wmax), cp.Type),
			})
		case !cp.Type.Array && wmax == 0:
			errs = append(errs, model.FieldError{Field: field + ".maxOccurs", Message: "maxOccurs must be at least 1"})
		case cp.Type.Array && wmax != model.Unbounded && wmax < 2:
			errs = append(errs, model.FieldError{
				Field:   field + ".maxOccurs",
				Message: fmt.Sprintf("CWL type %s is an array but maxOccurs is %d", cp.Type, wmax),
			})
		case cp.Type.Array:
			maxOccurs = wmax
		}
	}

	if wp.MinOccurs != nil && required && *wp.MinOccurs > 1 {
		if cp.Type.Array {
			minOccurs = *wp.MinOccurs
		} else {
			errs = append(errs, model.FieldError{
				Field:   field + ".minOccurs",
				Message: fmt.Sprintf("minOccurs %d requires an array CWL type, got %s", *wp.MinOccurs, cp.Type),
			})
		}
	}

	if maxOccurs != model.Unbounded && minOccurs > maxOccurs {
		errs = append(errs, model.FieldError{
			Field:   field + ".minOccurs",
			Message: fmt.Sprintf("minOccurs %d exceeds maxOccurs %d", minOccurs, maxOccurs),
		})
	}
	return minOccurs, maxOccurs, errs
}

func occursString(n int) string {
	if n == model.Unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("%d", n)
}

// mergeFormats maps CWL format IRIs to media types. When CWL declares
// formats every WPS format must be among them; when it declares none the
// description's formats are used.
func mergeFormats(field string, cwlFormats []string, wp *Param) ([]model.Format, []model.FieldError) {
	var wpsFormats []model.Format
	if wp != nil {
		wpsFormats = wp.Formats
	}
	if len(cwlFormats) == 0 {
		return wpsFormats, nil
	}

	supported := map[string]bool{}
	var unmapped []string
	var mapped []model.Format
	for _, iri := range cwlFormats {
		mt, ok := cwl.MediaTypeForFormat(iri)
		if !ok {
			unmapped = append(unmapped, iri)
			continue
		}
		if !supported[mt] {
			supported[mt] = true
			mapped = append(mapped, model.Format{MediaType: mt, Schema: iri})
		}
	}

	if len(wpsFormats) == 0 {
		return mapped, nil
	}
	if len(unmapped) > 0 {
		return nil, []model.FieldError{{
			Field:   field + ".formats",
			Message: fmt.Sprintf("CWL format %s has no known media type to compare with the declared formats", strings.Join(unmapped, ", ")),
		}}
	}

	var errs []model.FieldError
	for _, f := range wpsFormats {
		if !supported[strings.ToLower(f.MediaType)] {
			errs = append(errs, model.FieldError{
				Field:   field + ".formats",
				Message: fmt.Sprintf("format %s is not supported by the CWL document", f.MediaType),
			})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return wpsFormats, nil
}

// mergeAllowedValues: CWL enum symbols win; the description's enumeration
// is used when CWL has none and must be a subset of the symbols otherwise.
func mergeAllowedValues(field string, symbols []string, wp *Param) ([]string, []model.FieldError) {
	var wpsValues []string
	if wp != nil {
		wpsValues = wp.AllowedValues
	}
	if len(symbols) == 0 {
		return wpsValues, nil
	}
	var errs []model.FieldError
	for _, v := range wpsValues {
		if !slices.Contains(symbols, v) {
			errs = append(errs, model.FieldError{
				Field:   field + ".allowedValues",
				Message: fmt.Sprintf("value %q is not a CWL enum symbol", v),
			})
		}
	}
	return symbols, errs
}

// mergeText prefers the description's human-readable text over CWL label/doc.
func mergeText(cp cwl.Param, wp *Param) (title, abstract string, keywords []string) {
	title, abstract = cp.Label, cp.Doc
	if wp != nil {
		title = firstNonEmpty(wp.Title, title)
		abstract = firstNonEmpty(wp.Abstract, abstract)
		keywords = wp.Keywords
	}
	return title, abstract, keywords
}

// mergeStaging carries CWL-only staging hints.
func mergeStaging(cp cwl.Param, doc *cwl.Document) (loadContents bool, secondary []string, glob string) {
	loadContents = cp.LoadContents
	secondary = cp.SecondaryFiles
	if ob := cp.OutputBinding; ob != nil {
		loadContents = loadContents || ob.LoadContents
		if len(ob.Glob) > 0 {
			glob = ob.Glob[0]
		}
	}
	if doc != nil {
		switch cp.Type.Base {
		case "stdout":
			glob = doc.Stdout
		case "stderr":
			glob = doc.Stderr
		}
	}
	return loadContents, secondary, glob
}

// adoptWPS builds a parameter from the description alone.
func adoptWPS(wp Param) model.Parameter {
	p := model.Parameter{
		ID:            wp.ID,
		Title:         wp.Title,
		Abstract:      wp.Abstract,
		Keywords:      wp.Keywords,
		MinOccurs:     1,
		MaxOccurs:     1,
		Formats:       wp.Formats,
		AllowedValues: wp.AllowedValues,
		Default:       wp.Default,
	}
	switch {
	case wp.Complex:
		p.Type = model.TypeFile
	case wp.Literal == LiteralInteger:
		p.Type = model.TypeLong
	case wp.Literal == LiteralNumber:
		p.Type = model.TypeDouble
	case wp.Literal == LiteralBoolean:
		p.Type = model.TypeBoolean
	case wp.Literal == LiteralString && len(wp.AllowedValues) > 0:
		p.Type = model.TypeEnum
	case wp.Literal == LiteralString:
		p.Type = model.TypeString
	default:
		p.Type = model.TypeAny
	}
	if wp.MinOccurs != nil {
		p.MinOccurs = *wp.MinOccurs
	}
	if wp.MaxOccurs != nil {
		p.MaxOccurs = *wp.MaxOccurs
	}
	return p
}
