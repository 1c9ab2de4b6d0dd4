package lwm2m

import "testing"

func TestParsePath(t *testing.T) {
	cases := []struct {
		in   string
		obj  int
		inst int
		res  int
		segs int
	}{
		{"/3", 3, -1, -1, 1},
		{"/3/0", 3, 0, -1, 2},
		{"/3/0/1", 3, 0, 1, 3},
		{"3/0/1", 3, 0, 1, 3},
		{"/", -1, -1, -1, 0},
		{"", -1, -1, -1, 0},
	}
	for _, tc := range cases {
		p, err := ParsePath(tc.in)
		if err != nil {
			t.Fatalf("ParsePath(%q): %s", tc.in, err)
		}
		if p.ObjectID != tc.obj || p.InstanceID != tc.inst || p.ResourceID != tc.res || p.Segments != tc.segs {
			t.Errorf("ParsePath(%q) = %+v, want obj=%d inst=%d res=%d segs=%d", tc.in, p, tc.obj, tc.inst, tc.res, tc.segs)
		}
	}
}

func TestParsePathRejectsNonNumeric(t *testing.T) {
	cases := []string{"/obj", "/3/inst", "/3/0/res", "/3/0/1/2"}
	for _, in := range cases {
		if _, err := ParsePath(in); err == nil {
			t.Errorf("ParsePath(%q) expected an error", in)
		}
	}
}

func TestPathPrefixes(t *testing.T) {
	p, _ := ParsePath("/3/0/1")
	prefixes := p.Prefixes()
	want := []string{"/3", "/3/0", "/3/0/1"}
	if len(prefixes) != len(want) {
		t.Fatalf("got %d prefixes want %d", len(prefixes), len(want))
	}
	for i, w := range want {
		if prefixes[i].String() != w {
			t.Errorf("prefix %d = %s want %s", i, prefixes[i].String(), w)
		}
	}
}

func TestIsPrefixOf(t *testing.T) {
	obj, _ := ParsePath("/3")
	inst, _ := ParsePath("/3/0")
	res, _ := ParsePath("/3/0/1")
	sibling, _ := ParsePath("/3/0/2")

	for _, observer := range []Path{obj, inst, res} {
		if !observer.IsPrefixOf(res) {
			t.Errorf("%s should be a prefix of %s", observer, res)
		}
	}
	if sibling.IsPrefixOf(res) || res.IsPrefixOf(sibling) {
		t.Error("sibling resources should not match each other")
	}
}
