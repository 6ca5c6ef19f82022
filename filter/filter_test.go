package filter

import (
	"testing"
)

var meta = map[string]string{
	"platform":    "Sentinel-1",
	"mission":     "S2B",
	"size":        "950",
	"cloud_cover": "12.5",
	"name":        "S1A_IW_GRDH_1SDV_20200101",
}

func TestMatch(t *testing.T) {
	var table = []struct {
		input  string
		output bool
	}{
		{``, true},
		{`platform == 'Sentinel-1'`, true},
		{`platform == 'Sentinel-2'`, false},
		{`platform != 'Sentinel-2'`, true},
		{"size < `1000`", true},
		{"size < `999.5` && size >= `950`", true},
		{"size > `1000`", false},
		{"size <= `950`", true},
		{"cloud_cover > `9`", true}, // numeric, not string, comparison
		{"platform == 'Sentinel-1' && size < `1000`", true},
		{"platform == 'Sentinel-1' && size > `1000`", false},
		{`mission == 'S2A' || mission == 'S2B'`, true},
		{"(mission == 'S2A' || mission == 'S2B') && !(cloud_cover > `30`)", true},
		{"!(size < `1000` && platform == 'x')", true},
		{`starts_with(name, 'S1A') && ends_with(name, '0101')`, true},
		{`contains(name, 'GRDH')`, true},
		{`platform`, true}, // present and non-empty
		{`missing`, false}, // null
		{`missing == 'x'`, false},
		{`starts_with(size, '9')`, false}, // type error while searching
		{"`false`", false},
	}
	for _, row := range table {
		e, err := Parse(row.input)
		if err != nil {
			t.Errorf("%s: Received %v", row.input, err)
			continue
		}
		if result := e.Match(meta); result != row.output {
			t.Errorf("%s: Received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestParseErrors(t *testing.T) {
	var table = []string{
		`platform ==`,
		`(size < 5`,
		`mission == 'S2A' ||`,
		`name == 'open`,
		`&&`,
	}
	for _, input := range table {
		e, err := Parse(input)
		if err == nil {
			t.Errorf("%s: Received %v, expected an error", input, e)
			continue
		}
		if _, ok := err.(*ParseError); !ok {
			t.Errorf("%s: Received %T", input, err)
		}
	}
}

func TestString(t *testing.T) {
	const input = `mission == 'S2A' || mission == 'S2B'`
	e := MustParse(input)
	if e.String() != input {
		t.Errorf("Received %s, expected %s", e.String(), input)
	}
	if again := MustParse(e.String()); again.Match(meta) != e.Match(meta) {
		t.Errorf("Received %v, expected %v", again.Match(meta), e.Match(meta))
	}
}
