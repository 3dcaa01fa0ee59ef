package store

import (
	"strings"
)

// NarInfo is the metadata registered for a valid store path.
type NarInfo struct {
	Path       string
	NarHash    string
	NarSize    int64
	References []string
	Deriver    string
}

// DerivationOutput names the store path a single output will be
// realized at.
type DerivationOutput struct {
	Path string
}

// A Derivation is a content-addressed build recipe.  Inputs and the
// build command fully determine the outputs.
type Derivation struct {
	Name      string
	Outputs   map[string]DerivationOutput
	InputDrvs map[string][]string // drvPath -> output names consumed
	InputSrcs []string
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// OutputPaths collects the store paths of every output.
func (d *Derivation) OutputPaths() []string {
	out := make([]string, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		out = append(out, o.Path)
	}
	return out
}

// RequiredSystemFeatures parses the feature set the derivation
// demands of a machine from its environment.
func (d *Derivation) RequiredSystemFeatures() map[string]struct{} {
	fs := make(map[string]struct{})
	for _, f := range strings.Fields(d.Env["requiredSystemFeatures"]) {
		fs[f] = struct{}{}
	}
	return fs
}

// PreferLocalBuild reports whether the derivation asks to be built
// without shipping its closure to a remote machine.
func (d *Derivation) PreferLocalBuild() bool {
	return d.Env["preferLocalBuild"] == "1"
}

// IsBuiltin reports whether the derivation runs on the scheduler
// host rather than a platform of its own.
func (d *Derivation) IsBuiltin() bool {
	return strings.HasPrefix(d.Builder, "builtin:") || d.Platform == "builtin"
}
