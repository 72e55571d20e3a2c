package execnode

import (
	"reflect"
	"slices"
	"testing"
)

func testParams() Params {
	return Params{
		DataDir:      "/tmp/node0",
		ChainID:      42069,
		P2PPort:      30303,
		RPCPort:      8545,
		AuthPort:     8551,
		KeyFile:      "/tmp/node0/key",
		PasswordFile: "/tmp/node0/password",
		Address:      "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name       string
		binary     string
		usesKey    bool
		setupSteps int
	}{
		{"geth", "geth", true, 2},
		{"reth", "reth", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Get(tt.name)
			if p == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if p.Binary != tt.binary {
				t.Errorf("Binary mismatch: got %s, want %s", p.Binary, tt.binary)
			}
			if p.UsesValidatorKey != tt.usesKey {
				t.Errorf("UsesValidatorKey mismatch for %s: got %v, want %v", tt.name, p.UsesValidatorKey, tt.usesKey)
			}
			if len(p.Setup) != tt.setupSteps {
				t.Errorf("Setup steps for %s: got %d, want %d", tt.name, len(p.Setup), tt.setupSteps)
			}
		})
	}

	if got := r.Names(); !reflect.DeepEqual(got, []string{"geth", "reth"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if p := r.Get("unknown-node"); p != nil {
		t.Errorf("expected nil for unknown node, got %+v", p)
	}
	var nilProfile *Profile
	if nilProfile.String() != "unknown" {
		t.Errorf("nil String() = %q, want unknown", nilProfile.String())
	}
}

func TestRegistryRegisterCustom(t *testing.T) {
	r := NewRegistry()
	r.Register(nil)
	r.Register(&Profile{Name: "custom", Binary: "/opt/custom", Run: []string{"--rpc={{.RPCPort}}"}})

	p := r.Get("custom")
	if p == nil {
		t.Fatal("custom profile not registered")
	}
	_, run, err := p.Render("", testParams())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if run.Binary != "/opt/custom" || !reflect.DeepEqual(run.Args, []string{"--rpc=8545"}) {
		t.Errorf("run = %+v", run)
	}
}

func TestGethRenderWithoutChainSpec(t *testing.T) {
	setup, run, err := GethProfile().Render("", testParams())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(setup) != 1 {
		t.Fatalf("expected only the key import step, got %d steps", len(setup))
	}
	want := []string{"account", "import", "--datadir", "/tmp/node0", "--password", "/tmp/node0/password", "/tmp/node0/key"}
	if !reflect.DeepEqual(setup[0].Args, want) {
		t.Errorf("import args = %v, want %v", setup[0].Args, want)
	}

	idx := slices.Index(run.Args, "--http.port")
	if idx < 0 || run.Args[idx+1] != "8545" {
		t.Errorf("http port not rendered: %v", run.Args)
	}
	idx = slices.Index(run.Args, "--unlock")
	if idx < 0 || run.Args[idx+1] != testParams().Address {
		t.Errorf("unlock address not rendered: %v", run.Args)
	}
}

func TestGethRenderWithChainSpec(t *testing.T) {
	params := testParams()
	params.ChainSpec = "/etc/genesis.json"

	setup, _, err := GethProfile().Render("/usr/local/bin/geth", params)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(setup) != 2 {
		t.Fatalf("expected import and init steps, got %d", len(setup))
	}
	if setup[1].Binary != "/usr/local/bin/geth" {
		t.Errorf("binary override not applied: %s", setup[1].Binary)
	}
	if last := setup[1].Args[len(setup[1].Args)-1]; last != "/etc/genesis.json" {
		t.Errorf("init chain spec = %s", last)
	}
}

func TestRethChainDefault(t *testing.T) {
	_, run, err := RethProfile().Render("", testParams())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(run.Args, "--chain=dev") {
		t.Errorf("expected --chain=dev, got %v", run.Args)
	}

	params := testParams()
	params.ChainSpec = "spec.json"
	_, run, _ = RethProfile().Render("", params)
	if !slices.Contains(run.Args, "--chain=spec.json") {
		t.Errorf("expected --chain=spec.json, got %v", run.Args)
	}
}

func TestRenderDropsEmptyArgs(t *testing.T) {
	p := &Profile{Name: "x", Run: []string{"a", "{{.ChainSpec}}", "b"}}
	_, run, err := p.Render("bin", Params{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(run.Args, []string{"a", "b"}) {
		t.Errorf("Args = %v, want [a b]", run.Args)
	}
}

func TestRenderBadTemplate(t *testing.T) {
	p := &Profile{Name: "x", Run: []string{"{{.Missing}}"}}
	if _, _, err := p.Render("bin", Params{}); err == nil {
		t.Error("expected error for unknown field")
	}
}
