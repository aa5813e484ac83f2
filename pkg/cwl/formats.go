package cwl

import "strings"

// formatMediaTypes maps well-known format IRIs to media types. Keys are
// matched on the IRI's trailing component so both the full
// http://edamontology.org/format_3508 and the edam:format_3508 forms work.
var formatMediaTypes = map[string]string{
	"format_1915": "application/octet-stream",
	"format_1929": "text/x-fasta",
	"format_1930": "text/x-fastq",
	"format_1964": "text/plain",
	"format_2330": "text/plain",
	"format_2332": "application/xml",
	"format_3003": "text/x-bed",
	"format_3016": "text/x-vcf",
	"format_3462": "application/x-cram",
	"format_3464": "application/json",
	"format_3475": "text/tab-separated-values",
	"format_3508": "application/pdf",
	"format_3547": "image/jpeg",
	"format_3591": "image/tiff",
	"format_3603": "image/png",
	"format_3650": "application/x-netcdf",
	"format_3752": "text/csv",
	"format_3750": "application/x-yaml",
	"format_2572": "application/x-bam",
	"format_3590": "application/x-hdf5",
}

// MediaTypeForFormat returns the media type for a CWL format IRI. IANA
// media type IRIs (https://www.iana.org/assignments/media-types/...) map to
// their path. ok is false for unknown formats.
func MediaTypeForFormat(iri string) (string, bool) {
	const iana = "iana.org/assignments/media-types/"
	if i := strings.Index(iri, iana); i >= 0 {
		return strings.ToLower(iri[i+len(iana):]), true
	}
	if strings.HasPrefix(iri, "iana:") {
		return strings.ToLower(strings.TrimPrefix(iri, "iana:")), true
	}
	key := iri
	if i := strings.LastIndexAny(key, "/:#"); i >= 0 {
		key = key[i+1:]
	}
	mt, ok := formatMediaTypes[key]
	return mt, ok
}
