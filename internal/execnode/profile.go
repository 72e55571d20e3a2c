// Package execnode describes the command-line surface of the node flavours
// the harness can launch, so the process adapter does not hard-code any
// client's flags.
package execnode

import (
	"bytes"
	"fmt"
	"text/template"
)

// Params are the per-node values substituted into a profile's arguments.
type Params struct {
	DataDir      string
	ChainSpec    string
	ChainID      uint64
	P2PPort      int
	RPCPort      int
	AuthPort     int
	KeyFile      string
	PasswordFile string
	Address      string
}

// Step is one setup command run before the node starts.
type Step struct {
	Args []string

	// NeedsChainSpec skips the step when no chain spec is configured.
	NeedsChainSpec bool
}

// Profile defines how one node flavour is initialised and launched.
// Arguments are text/template strings over Params; arguments that render
// to the empty string are dropped.
type Profile struct {
	// Name is the canonical identifier (e.g. "geth").
	Name string

	// Binary is the default executable, looked up in PATH.
	Binary string

	// Setup runs in order, each with Binary, before Run.
	Setup []Step

	// Run is the long-running node invocation.
	Run []string

	// RequiresLegacyTx makes the generator emit type-0 transactions.
	RequiresLegacyTx bool

	// UsesValidatorKey is false for clients that ignore the key files.
	UsesValidatorKey bool
}

// String returns the canonical name of the profile.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}

// Command is a rendered invocation.
type Command struct {
	Binary string
	Args   []string
}

// Render expands the profile for one node. binary overrides Profile.Binary
// when non-empty.
func (p *Profile) Render(binary string, params Params) (setup []Command, run Command, err error) {
	if binary == "" {
		binary = p.Binary
	}
	for i, step := range p.Setup {
		if step.NeedsChainSpec && params.ChainSpec == "" {
			continue
		}
		args, err := renderArgs(step.Args, params)
		if err != nil {
			return nil, Command{}, fmt.Errorf("%s setup step %d: %w", p.Name, i, err)
		}
		setup = append(setup, Command{Binary: binary, Args: args})
	}
	args, err := renderArgs(p.Run, params)
	if err != nil {
		return nil, Command{}, fmt.Errorf("%s run: %w", p.Name, err)
	}
	return setup, Command{Binary: binary, Args: args}, nil
}

func renderArgs(raw []string, params Params) ([]string, error) {
	out := make([]string, 0, len(raw))
	var buf bytes.Buffer
	for _, arg := range raw {
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", arg, err)
		}
		buf.Reset()
		if err := tmpl.Execute(&buf, params); err != nil {
			return nil, fmt.Errorf("render %q: %w", arg, err)
		}
		if buf.Len() > 0 {
			out = append(out, buf.String())
		}
	}
	return out, nil
}
