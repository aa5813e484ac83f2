package cwlexpr

import (
	"path"
	"strings"
)

// Context holds what an expression can see: inputs, self and runtime.
type Context struct {
	Inputs  map[string]any
	Self    any
	Runtime *Runtime
}

// Runtime is the runtime object of the CWL expression environment.
type Runtime struct {
	OutDir   string
	TmpDir   string
	Cores    int
	RAM      int64
	ExitCode *int
}

// NewContext creates a context over inputs with default runtime values.
func NewContext(inputs map[string]any, rt *Runtime) *Context {
	if rt == nil {
		rt = &Runtime{OutDir: "/tmp/outdir", TmpDir: "/tmp", Cores: 1, RAM: 1024}
	}
	return &Context{Inputs: inputs, Runtime: rt}
}

// WithSelf returns a copy of c with self set.
func (c *Context) WithSelf(self any) *Context {
	return &Context{Inputs: c.Inputs, Self: self, Runtime: c.Runtime}
}

func (c *Context) runtimeObject() map[string]any {
	rt := map[string]any{
		"outdir": c.Runtime.OutDir,
		"tmpdir": c.Runtime.TmpDir,
		"cores":  c.Runtime.Cores,
		"ram":    c.Runtime.RAM,
	}
	if c.Runtime.ExitCode != nil {
		rt["exitCode"] = *c.Runtime.ExitCode
	}
	return rt
}

// Enrich adds the derived File and Directory fields expressions rely on
// (basename, dirname, nameroot, nameext) to every file object in v, in
// place. It returns v.
func Enrich(v any) any {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			Enrich(item)
		}
	case map[string]any:
		class, _ := val["class"].(string)
		if class != "File" && class != "Directory" {
			for _, item := range val {
				Enrich(item)
			}
			return v
		}
		p, _ := val["path"].(string)
		if p == "" {
			return v
		}
		base := path.Base(strings.TrimSuffix(p, "/"))
		val["basename"] = base
		val["dirname"] = path.Dir(p)
		if class == "File" {
			ext := path.Ext(base)
			if ext == base {
				ext = ""
			}
			val["nameroot"] = strings.TrimSuffix(base, ext)
			val["nameext"] = ext
		}
	}
	return v
}
