package fingerprint

import (
	"strings"
	"testing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("1.0.2", "7.8.1", "py3.11.9", "v2", "a1b2c3d4e5",
		[]string{"PartDesign", "Part", "Sketcher"},
		map[string]string{"spline": "on", "fem": "off"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestStringGrammar(t *testing.T) {
	e := testEngine(t)
	want := "fc{1.0.2}-kernel{7.8.1}-rt{py3.11.9}-mesh{v2}-git{a1b2c3d}-wb{Part,PartDesign,Sketcher}-flags{fem=off,spline=on}"
	if got := e.String(); got != want {
		t.Errorf("String()\n got %s\nwant %s", got, want)
	}
}

func TestWorkbenchAndFlagOrderIrrelevant(t *testing.T) {
	a, err := New("1.0.2", "7.8.1", "py3.11.9", "v2", "a1b2c3d",
		[]string{"Sketcher", "PartDesign", "Part"},
		map[string]string{"fem": "off", "spline": "on"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.String() != testEngine(t).String() {
		t.Error("insertion order leaked into the fingerprint")
	}
}

func TestAnyFieldChangeChangesString(t *testing.T) {
	base := testEngine(t).String()

	variants := []struct {
		name string
		make func() (*Engine, error)
	}{
		{"version", func() (*Engine, error) {
			return New("1.0.3", "7.8.1", "py3.11.9", "v2", "a1b2c3d", []string{"Part"}, nil)
		}},
		{"kernel", func() (*Engine, error) {
			return New("1.0.2", "7.9.0", "py3.11.9", "v2", "a1b2c3d", []string{"Part"}, nil)
		}},
		{"mesh schema", func() (*Engine, error) {
			return New("1.0.2", "7.8.1", "py3.11.9", "v3", "a1b2c3d", []string{"Part"}, nil)
		}},
		{"commit", func() (*Engine, error) {
			return New("1.0.2", "7.8.1", "py3.11.9", "v2", "fffffff", []string{"Part"}, nil)
		}},
		{"workbench set", func() (*Engine, error) {
			return New("1.0.2", "7.8.1", "py3.11.9", "v2", "a1b2c3d", []string{"Part", "Fem"}, nil)
		}},
		{"flag value", func() (*Engine, error) {
			return New("1.0.2", "7.8.1", "py3.11.9", "v2", "a1b2c3d", []string{"Part"},
				map[string]string{"fem": "on"})
		}},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			e, err := v.make()
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if e.String() == base {
				t.Error("variant produced the base fingerprint")
			}
		})
	}
}

func TestPrefixLength(t *testing.T) {
	e := testEngine(t)
	p := e.Prefix()
	if len(p) > 20 {
		t.Errorf("prefix %q longer than 20 bytes", p)
	}
	if !strings.HasPrefix(e.String(), p) {
		t.Errorf("prefix %q is not a prefix of %q", p, e.String())
	}
}

func TestEmptyFieldsDefault(t *testing.T) {
	e, err := New("", "", "", "", "", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := "fc{unknown}-kernel{unknown}-rt{unknown}-mesh{unknown}-git{0000000}-wb{}-flags{}"
	if e.String() != want {
		t.Errorf("String() = %s, want %s", e.String(), want)
	}
}

func TestCommitTruncatedToSeven(t *testing.T) {
	e, err := New("1.0.2", "7.8.1", "py3", "v2", "0123456789abcdef", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.Contains(e.String(), "git{0123456}") {
		t.Errorf("commit not truncated: %s", e.String())
	}
}

func TestReservedCharactersRejected(t *testing.T) {
	cases := [][7]string{
		{"1.0{2", "7.8.1", "py3", "v2", "a1b2c3d"},
		{"1.0.2", "7.8}1", "py3", "v2", "a1b2c3d"},
		{"1.0.2", "7.8.1", "py|3", "v2", "a1b2c3d"},
		{"1.0.2", "7.8.1", "py3", "v 2", "a1b2c3d"},
	}
	for _, c := range cases {
		if _, err := New(c[0], c[1], c[2], c[3], c[4], nil, nil); err == nil {
			t.Errorf("New(%v) accepted reserved characters", c)
		}
	}
}
