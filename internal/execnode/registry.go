package execnode

import (
	"sort"
	"sync"
)

// Registry holds registered node profiles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or updates a profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(GethProfile())
	r.Register(RethProfile())
	return r
}

// GethProfile runs go-ethereum as a sealing validator. The validator key is
// imported into the node's keystore and unlocked for sealing; a chain spec
// (genesis JSON) is initialised when given.
func GethProfile() *Profile {
	return &Profile{
		Name:   "geth",
		Binary: "geth",
		Setup: []Step{
			{Args: []string{"account", "import", "--datadir", "{{.DataDir}}", "--password", "{{.PasswordFile}}", "{{.KeyFile}}"}},
			{Args: []string{"init", "--datadir", "{{.DataDir}}", "{{.ChainSpec}}"}, NeedsChainSpec: true},
		},
		Run: []string{
			"--datadir", "{{.DataDir}}",
			"--networkid", "{{.ChainID}}",
			"--port", "{{.P2PPort}}",
			"--nodiscover",
			"--http",
			"--http.addr", "127.0.0.1",
			"--http.port", "{{.RPCPort}}",
			"--http.api", "eth,net,web3,admin,txpool",
			"--authrpc.port", "{{.AuthPort}}",
			"--ipcdisable",
			"--syncmode", "full",
			"--unlock", "{{.Address}}",
			"--password", "{{.PasswordFile}}",
			"--allow-insecure-unlock",
			"--mine",
			"--miner.etherbase", "{{.Address}}",
		},
		UsesValidatorKey: true,
	}
}

// RethProfile runs reth with discovery disabled. Without a chain spec it
// uses the built-in dev chain.
func RethProfile() *Profile {
	return &Profile{
		Name:   "reth",
		Binary: "reth",
		Run: []string{
			"node",
			"--datadir", "{{.DataDir}}",
			`--chain={{if .ChainSpec}}{{.ChainSpec}}{{else}}dev{{end}}`,
			"--port", "{{.P2PPort}}",
			"--disable-discovery",
			"--http",
			"--http.addr", "127.0.0.1",
			"--http.port", "{{.RPCPort}}",
			"--http.api", "eth,net,web3,admin,txpool",
			"--authrpc.port", "{{.AuthPort}}",
			"--ipcdisable",
		},
	}
}
