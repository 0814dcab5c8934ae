package scad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

func TestClean(t *testing.T) {
	fenced := "```openscad\nradius = 10;\ncylinder(r=radius);\n```"
	assert.Equal(t, "radius = 10;\ncylinder(r=radius);", Clean(fenced))

	bare := "  cube(5);\n"
	assert.Equal(t, "cube(5);", Clean(bare))
}

func TestExtractParameters(t *testing.T) {
	src := `// washer
outer_diameter = 20;
inner_diameter = 8.5;
thickness = 2; // mm
offset_angle = -15;
label = "text";
count = compute();
module washer() {}
`

	params := ExtractParameters(src)
	require.Len(t, params, 4)
	assert.Equal(t, model.Parameter{Name: "outer_diameter", Value: 20}, params[0])
	assert.Equal(t, model.Parameter{Name: "inner_diameter", Value: 8.5}, params[1])
	assert.Equal(t, model.Parameter{Name: "thickness", Value: 2}, params[2])
	assert.Equal(t, model.Parameter{Name: "offset_angle", Value: -15}, params[3])
}

func TestStripParameters(t *testing.T) {
	src := "radius = 10;\n\nmodule disc() {\n    cylinder(r=radius);\n}"
	stripped := StripParameters(src)
	assert.NotContains(t, stripped, "radius = 10;")
	assert.Contains(t, stripped, "module disc()")
}

func TestUpdateParameter(t *testing.T) {
	src := "radius = 10;\nheight = 4;"

	updated := UpdateParameter(src, "radius", 12.5)
	assert.Contains(t, updated, "radius = 12.5;")
	assert.Contains(t, updated, "height = 4;")

	unchanged := UpdateParameter(src, "missing", 1)
	assert.Equal(t, src, unchanged)
}

func TestHasModule(t *testing.T) {
	src := "module washer_body() {\n    cylinder(r=5);\n}"
	assert.True(t, HasModule(src, "washer_body"))
	assert.False(t, HasModule(src, "washer"))
}

func TestBalancedBraces(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		balanced bool
	}{
		{"simple_module", "module a() { cube([1,2,3]); }", true},
		{"missing_close", "module a() { cube(1);", false},
		{"extra_close", "module a() { cube(1); } }", false},
		{"brace_in_comment", "// unmatched {\nmodule a() {}", true},
		{"brace_in_block_comment", "/* { [ */ module a() {}", true},
		{"brace_in_string", `echo("{["); cube(1);`, true},
		{"mismatched_pair", "cube([1, 2)];", false},
		{"unterminated_block_comment", "cube(1); /* dangling", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.balanced, BalancedBraces(tt.src))
		})
	}
}

func TestCheckParameters(t *testing.T) {
	params := []model.Parameter{
		{Name: "radius", Value: 10},
		{Name: "depth", Value: -3},
		{Name: "rotation_angle", Value: -45},
		{Name: "span", Value: 20000},
	}

	findings := CheckParameters(params, "body")
	require.Len(t, findings, 2)

	assert.Equal(t, model.SeverityWarning, findings[0].Severity)
	assert.Contains(t, findings[0].Description, "depth")
	assert.Equal(t, "body", findings[0].PartID)

	assert.Contains(t, findings[1].Description, "span")
}
