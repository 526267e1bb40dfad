package cmdtree

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/ndsim/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, _, err := config.LoadString(`
links { link lan0; link lan1; }
nodes {
    node h1 { node-id 1; interface eth0 { link lan0; } }
    node h2 { node-id 2; interface eth0 { link lan1; } }
    node r1 { node-id 3; interface eth0 { link lan0; } }
}
`)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestCompleteFromTree(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name    string
		words   []string
		partial string
		want    []string
	}{
		{"top level", nil, "s", []string{"set", "show", "step"}},
		{"show subcommand", []string{"show"}, "ne", []string{"neighbors"}},
		{"node names", []string{"show", "neighbors"}, "h", []string{"h1", "h2"}},
		{"link names", []string{"set", "link"}, "", []string{"lan0", "lan1"}},
		{"ping node", []string{"ping"}, "r", []string{"r1"}},
		{"unknown word", []string{"bogus"}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompleteFromTree(OperationalTree, tt.words, tt.partial, cfg)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CompleteFromTree(%v, %q) mismatch (-want +got):\n%s", tt.words, tt.partial, diff)
			}
		})
	}
}

func TestCompleteFromTree_NoConfig(t *testing.T) {
	if got := CompleteFromTree(OperationalTree, []string{"show", "routes"}, "", nil); got != nil {
		t.Errorf("got %v without config, want nil", got)
	}
}

func TestLookupDesc(t *testing.T) {
	if got := LookupDesc([]string{"show"}, "prefixes"); got != "Show prefix list records" {
		t.Errorf("desc = %q", got)
	}
	if got := LookupDesc(nil, "quit"); got != "Exit the shell" {
		t.Errorf("desc = %q", got)
	}
	if got := LookupDesc([]string{"nope"}, "x"); got != "" {
		t.Errorf("desc = %q, want empty", got)
	}
}

func TestWriteHelp(t *testing.T) {
	var buf bytes.Buffer
	WriteHelp(&buf, []Candidate{{Name: "step", Desc: "b"}, {Name: "run", Desc: "a"}, {Name: "h1"}})
	want := "Possible completions:\n" +
		"  h1\n" +
		"  run                  a\n" +
		"  step                 b\n"
	if buf.String() != want {
		t.Errorf("help =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestWriteTreeHelp(t *testing.T) {
	var buf bytes.Buffer
	WriteTreeHelp(&buf, "clear:", OperationalTree, "clear")
	out := buf.String()
	if !strings.HasPrefix(out, "clear:\n") || !strings.Contains(out, "statistics") {
		t.Errorf("help = %q", out)
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"neighbors"}, "neighbors"},
		{[]string{"set", "show", "step"}, "s"},
		{[]string{"routes", "radvd"}, "r"},
		{[]string{"log", "links"}, "l"},
		{[]string{"abc", "xyz"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.in); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompleteFromTree_AfterValue(t *testing.T) {
	cfg := testConfig(t)
	if got := CompleteFromTree(OperationalTree, []string{"show", "neighbors", "h1"}, "", cfg); got != nil {
		t.Errorf("after node name got %v, want nil", got)
	}
	if got := CompleteFromTree(OperationalTree, []string{"set", "link", "lan0", "x"}, "", cfg); got != nil {
		t.Errorf("two values got %v, want nil", got)
	}
}
