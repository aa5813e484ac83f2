package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Visibility controls whether a record is listed for users other than its owner.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IsValid reports whether v is a known visibility.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// BackendKind selects how a process executes.
type BackendKind string

const (
	BackendCWL    BackendKind = "cwl"    // external CWL runner
	BackendDocker BackendKind = "docker" // single container run of a CommandLineTool
	BackendRemote BackendKind = "remote" // delegated to a remote execution service
)

// IsValid reports whether b names a known backend.
func (b BackendKind) IsValid() bool {
	return b == BackendCWL || b == BackendDocker || b == BackendRemote
}

// ParamType is the canonical type of a process input or output.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeInt       ParamType = "int"
	TypeLong      ParamType = "long"
	TypeFloat     ParamType = "float"
	TypeDouble    ParamType = "double"
	TypeBoolean   ParamType = "boolean"
	TypeFile      ParamType = "File"
	TypeDirectory ParamType = "Directory"
	TypeEnum      ParamType = "enum"
	TypeAny       ParamType = "Any"
)

// IsComplex reports whether values of this type are staged files.
func (t ParamType) IsComplex() bool {
	return t == TypeFile || t == TypeDirectory
}

// Unbounded is the MaxOccurs value for parameters accepting any number of values.
const Unbounded = -1

// Format is an accepted encoding of a complex parameter.
type Format struct {
	MediaType string `json:"media_type" yaml:"mediaType"`
	Encoding  string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Schema    string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Parameter is one canonical process input or output.
type Parameter struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	Abstract      string    `json:"abstract,omitempty"`
	Keywords      []string  `json:"keywords,omitempty"`
	Type          ParamType `json:"type"`
	MinOccurs     int       `json:"min_occurs"`
	MaxOccurs     int       `json:"max_occurs"`
	Formats       []Format  `json:"formats,omitempty"`
	AllowedValues []string  `json:"allowed_values,omitempty"`
	Default       any       `json:"default,omitempty"`

	// Staging hints carried over from the CWL document.
	LoadContents   bool     `json:"load_contents,omitempty"`
	SecondaryFiles []string `json:"secondary_files,omitempty"`
	Glob           string   `json:"glob,omitempty"`
}

// IsArray reports whether the parameter accepts more than one value.
func (p Parameter) IsArray() bool {
	return p.MaxOccurs == Unbounded || p.MaxOccurs > 1
}

// AcceptsCount reports whether n occurrences satisfy the cardinality bounds.
func (p Parameter) AcceptsCount(n int) bool {
	if n < p.MinOccurs {
		return false
	}
	return p.MaxOccurs == Unbounded || n <= p.MaxOccurs
}

// AcceptsMediaType reports whether mediaType matches one of the declared formats.
// Parameters with no declared formats accept anything.
func (p Parameter) AcceptsMediaType(mediaType string) bool {
	if len(p.Formats) == 0 || mediaType == "" {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0]))
	for _, f := range p.Formats {
		if strings.EqualFold(f.MediaType, mt) || f.MediaType == "*/*" {
			return true
		}
	}
	return false
}

// ExecutionPackage is the CWL document a process runs, by value or by reference.
type ExecutionPackage struct {
	CWL        string `json:"cwl,omitempty"`
	Href       string `json:"href,omitempty"`
	Class      string `json:"class,omitempty"`
	CWLVersion string `json:"cwl_version,omitempty"`
}

// RemoteProviderKind identifies the protocol spoken by a remote execution service.
type RemoteProviderKind string

const (
	ProviderOGCAPI     RemoteProviderKind = "ogcapi"
	ProviderAppService RemoteProviderKind = "appservice"
)

// RemoteRef points a process at a remote execution service.
type RemoteRef struct {
	Provider  RemoteProviderKind `json:"provider"`
	Endpoint  string             `json:"endpoint"`
	ProcessID string             `json:"process_id"`
}

// Process is a deployed, canonical process definition at one version.
type Process struct {
	ID          string           `json:"id"`
	Version     string           `json:"version"`
	Title       string           `json:"title,omitempty"`
	Abstract    string           `json:"abstract,omitempty"`
	Keywords    []string         `json:"keywords,omitempty"`
	Inputs      []Parameter      `json:"inputs"`
	Outputs     []Parameter      `json:"outputs"`
	Package     ExecutionPackage `json:"execution_unit"`
	Backend     BackendKind      `json:"backend"`
	DockerImage string           `json:"docker_image,omitempty"`
	Remote      *RemoteRef       `json:"remote,omitempty"`
	Visibility  Visibility       `json:"visibility"`
	Owner       string           `json:"owner,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Input returns the input parameter with the given id.
func (p *Process) Input(id string) (Parameter, bool) {
	for _, in := range p.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return Parameter{}, false
}

// Output returns the output parameter with the given id.
func (p *Process) Output(id string) (Parameter, bool) {
	for _, out := range p.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return Parameter{}, false
}

// VisibleTo reports whether user may see the process.
func (p *Process) VisibleTo(user string, admin bool) bool {
	return admin || p.Visibility != VisibilityPrivate || (user != "" && user == p.Owner)
}

var processIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProcessID reports whether id is URL-safe.
func ValidProcessID(id string) bool {
	return processIDPattern.MatchString(id)
}

// DeployMode selects how a deploy treats an existing process with the same id.
type DeployMode string

const (
	DeployCreate  DeployMode = "create"
	DeployUpdate  DeployMode = "update"
	DeployReplace DeployMode = "replace"
)

// InitialVersion is assigned on first deploy.
const InitialVersion = "1.0.0"

// NextVersion bumps a MAJOR.MINOR.PATCH version: update bumps the minor,
// replace bumps the major.
func NextVersion(current string, mode DeployMode) (string, error) {
	parts := strings.Split(current, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed version %q", current)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", fmt.Errorf("malformed version %q", current)
		}
		nums[i] = n
	}
	switch mode {
	case DeployUpdate:
		return fmt.Sprintf("%d.%d.0", nums[0], nums[1]+1), nil
	case DeployReplace:
		return fmt.Sprintf("%d.0.0", nums[0]+1), nil
	}
	return "", fmt.Errorf("mode %q does not create a new version", mode)
}
