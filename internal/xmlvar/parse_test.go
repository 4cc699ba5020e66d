package xmlvar

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errtally/internal/domain"
	"errtally/internal/vars"
)

func loadFixture(t *testing.T) vars.Value {
	t.Helper()
	data, err := os.ReadFile("testdata/notice.xml")
	require.NoError(t, err)
	v, err := ParseBytes(data)
	require.NoError(t, err)
	return v
}

func mapOf(kv ...any) vars.Value {
	m := vars.NewMap()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i].(string), kv[i+1].(vars.Value))
	}
	return vars.FromMap(m)
}

func TestParseNotice(t *testing.T) {
	root := loadFixture(t)

	apiKey, ok := root.StringAt("api-key")
	require.True(t, ok)
	assert.Equal(t, "APIKEY", apiKey)

	class, _ := root.StringAt("error", "class")
	assert.Equal(t, "HoptoadTestingException", class)

	env, _ := root.StringAt("server-environment", "environment-name")
	assert.Equal(t, "development", env)

	notifier, _ := root.StringAt("notifier", "name")
	assert.Equal(t, "Hoptoad Notifier", notifier)
}

func TestParseBacktraceLinesAsList(t *testing.T) {
	root := loadFixture(t)

	lines, ok := root.Lookup("error", "backtrace", "line")
	require.True(t, ok)
	items, ok := lines.AsList()
	require.True(t, ok)
	require.Len(t, items, 3)

	method, _ := items[0].StringAt("method")
	number, _ := items[0].StringAt("number")
	file, _ := items[2].StringAt("file")
	assert.Equal(t, "send", method)
	assert.Equal(t, "1322", number)
	assert.Equal(t, "[GEM_ROOT]/gems/activesupport-2.3.8/lib/active_support/callbacks.rb", file)
}

func TestParseNestedVarsWithNulls(t *testing.T) {
	root := loadFixture(t)

	options, ok := root.Lookup("request", "cgi-data", "rack.session.options")
	require.True(t, ok)

	want := mapOf(
		"secure", vars.String("false"),
		"httponly", vars.String("true"),
		"path", vars.String("/"),
		"expire_after", vars.Null(),
		"domain", vars.Null(),
		"id", vars.Null(),
	)
	assert.True(t, want.Equal(options), "got %#v", options)

	script, ok := root.Lookup("request", "cgi-data", "SCRIPT_NAME")
	require.True(t, ok)
	assert.True(t, script.IsNull(), "empty var must be null, got %#v", script)
}

func TestParseCgiDataKeepsDocumentOrder(t *testing.T) {
	root := loadFixture(t)

	cgi, ok := root.Lookup("request", "cgi-data")
	require.True(t, ok)
	m, ok := cgi.AsMap()
	require.True(t, ok)
	assert.Equal(t, []string{
		"rack.session.options", "SERVER_NAME", "HTTP_USER_AGENT",
		"SCRIPT_NAME", "PATH_INFO", "REQUEST_METHOD",
	}, m.Keys())
}

func TestParseLeafValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want vars.Value
	}{
		{"text", `<var key="a">hello</var>`, vars.String("hello")},
		{"trimmed text", "<var key=\"a\">\n  hello world \n</var>", vars.String("hello world")},
		{"empty", `<var key="a"></var>`, vars.Null()},
		{"self closing", `<var key="a"/>`, vars.Null()},
		{"whitespace only", "<var key=\"a\">  \n\t </var>", vars.Null()},
		{"entities", `<var key="a">a &amp; b &lt;c&gt;</var>`, vars.String("a & b <c>")},
		{"cdata", `<var key="a"><![CDATA[<raw>]]></var>`, vars.String("<raw>")},
		{"attributes", `<line number="3" file="a.rb" method="run"/>`, mapOf(
			"number", vars.String("3"),
			"file", vars.String("a.rb"),
			"method", vars.String("run"),
		)},
		{"text wins over attributes", `<item kind="x">body</item>`, vars.String("body")},
		{"keyed empty with attributes", `<var type="string" key="a"/>`, vars.Null()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBytes([]byte(tt.doc))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %#v", got)
		})
	}
}

func TestParseDuplicateKeysLastWriteWins(t *testing.T) {
	doc := `<vars>
		<var key="a">1</var>
		<var key="b">2</var>
		<var key="a">3</var>
	</vars>`

	got, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	assert.True(t, mapOf("a", vars.String("3"), "b", vars.String("2")).Equal(got), "got %#v", got)
}

func TestParseKeyedEmptyVarsAreNil(t *testing.T) {
	doc := `<vars><var type="string" key="SCRIPT_NAME"/><var key="PATH"/></vars>`

	got, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	got = vars.Normalize(got)

	for _, key := range []string{"script_name", "path"} {
		v, ok := got.Lookup(key)
		require.True(t, ok, key)
		assert.True(t, v.IsNull(), "%s: got %#v", key, v)
	}
}

func TestParseAttributeOrderIrrelevant(t *testing.T) {
	a, err := ParseBytes([]byte(`<r><var type="x" key="k">v</var></r>`))
	require.NoError(t, err)
	b, err := ParseBytes([]byte(`<r><var key="k" type="x">v</var></r>`))
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestParseUnknownTagsRecurse(t *testing.T) {
	doc := `<root><custom><deeper key="x"><var key="y">z</var></deeper></custom></root>`

	got, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	z, ok := got.StringAt("custom", "x", "y")
	require.True(t, ok)
	assert.Equal(t, "z", z)
}

func TestParseMixedContentPrefersChildren(t *testing.T) {
	got, err := ParseBytes([]byte(`<r>stray<var key="a">1</var>text</r>`))
	require.NoError(t, err)
	assert.True(t, mapOf("a", vars.String("1")).Equal(got), "got %#v", got)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"whitespace", "  \n"},
		{"not xml", `this is not xml`},
		{"unclosed", `<notice><error>`},
		{"mismatched", `<notice></error>`},
		{"two roots", `<a/><b/>`},
		{"trailing text", `<a/>junk`},
		{"bad entity", `<a>&nope;</a>`},
		{"too deep", strings.Repeat("<v>", MaxDepth+1) + strings.Repeat("</v>", MaxDepth+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedInput)
		})
	}
}

func TestParseAtDepthLimit(t *testing.T) {
	doc := strings.Repeat("<v>", MaxDepth) + "x" + strings.Repeat("</v>", MaxDepth)
	_, err := ParseBytes([]byte(doc))
	assert.NoError(t, err)
}

func TestParseDeclaredCharset(t *testing.T) {
	doc := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><r><var key=\"name\">Jos\xe9</var></r>")

	got, err := ParseBytes(doc)
	require.NoError(t, err)
	name, _ := got.StringAt("name")
	assert.Equal(t, "José", name)
}

func TestEncodeRoundTrip(t *testing.T) {
	tree := mapOf(
		"rack.session.options", mapOf(
			"secure", vars.String("false"),
			"httponly", vars.String("true"),
			"path", vars.String("/"),
			"expire_after", vars.Null(),
		),
		"SCRIPT_NAME", vars.Null(),
		"HTTP_ACCEPT", vars.String("text/html, */*"),
		"QUERY", vars.String("a=1&b=<2>"),
	)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, "cgi-data", tree))

	back, err := ParseBytes(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, tree.Equal(back), "got %#v from %s", back, buf.String())
}

func TestEncodeRejectsLists(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, "r", mapOf("l", vars.ListOf(vars.String("a"))))
	assert.Error(t, err)
}
