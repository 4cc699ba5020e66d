// Package xmlvar reads the nested <var> encoding used by Hoptoad-style error
// notices into vars trees.
//
// Every element becomes a value:
//   - an element with child elements is a mapping. A child is keyed by its
//     "key" attribute, or by its tag name when it has none. Later keys
//     overwrite earlier ones and keep the earlier position. Unkeyed
//     siblings that repeat the same tag collect into a list.
//   - an element without children but with attributes (other than "key")
//     and no text is a mapping of those attributes, e.g.
//     <line method="index" file="app.rb" number="3"/>.
//   - any other element is its trimmed text, or null when that is empty.
package xmlvar

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"errtally/internal/domain"
	"errtally/internal/vars"
)

// MaxDepth bounds element nesting
const MaxDepth = 64

const keyAttr = "key"

var (
	errNoRoot         = errors.New("document has no root element")
	errTrailingData   = errors.New("content after root element")
	errTooDeep        = fmt.Errorf("elements nested deeper than %d", MaxDepth)
	errUnexpectedEOF  = errors.New("unexpected end of document")
	errTextBeforeRoot = errors.New("text before root element")
)

// ParseBytes parses a complete document held in memory
func ParseBytes(data []byte) (vars.Value, error) {
	return Parse(bytes.NewReader(data))
}

// Parse reads one XML document and returns the value of its root element.
// Any syntax error, missing root or trailing content yields an error
// matching domain.ErrMalformedInput.
func Parse(r io.Reader) (vars.Value, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel

	root, err := parseDocument(dec)
	if err != nil {
		return vars.Null(), domain.MalformedInput("xmlvar.Parse", err)
	}
	return root, nil
}

func parseDocument(dec *xml.Decoder) (vars.Value, error) {
	var (
		root  vars.Value
		found bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !found {
				return vars.Null(), errNoRoot
			}
			return root, nil
		}
		if err != nil {
			return vars.Null(), err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if found {
				return vars.Null(), errTrailingData
			}
			root, err = parseElement(dec, t, 1)
			if err != nil {
				return vars.Null(), err
			}
			found = true
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			if found {
				return vars.Null(), errTrailingData
			}
			return vars.Null(), errTextBeforeRoot
		}
	}
}

type child struct {
	name  string
	key   string
	keyed bool
	value vars.Value
}

func parseElement(dec *xml.Decoder, start xml.StartElement, depth int) (vars.Value, error) {
	if depth > MaxDepth {
		return vars.Null(), errTooDeep
	}

	var (
		text     strings.Builder
		children []child
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return vars.Null(), errUnexpectedEOF
		}
		if err != nil {
			return vars.Null(), err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			value, err := parseElement(dec, t, depth+1)
			if err != nil {
				return vars.Null(), err
			}
			key, keyed := attr(t, keyAttr)
			children = append(children, child{name: t.Name.Local, key: key, keyed: keyed, value: value})
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			return elementValue(start, children, strings.TrimSpace(text.String())), nil
		}
	}
}

func elementValue(start xml.StartElement, children []child, text string) vars.Value {
	if len(children) > 0 {
		return childrenValue(children)
	}
	if text == "" {
		// attribute-only leaves like <line file= method=/>; a keyed <var>
		// with no content is nil whatever else it carries
		if _, keyed := attr(start, keyAttr); !keyed {
			if attrs := plainAttrs(start); attrs.Len() > 0 {
				return vars.FromMap(attrs)
			}
		}
		return vars.Null()
	}
	return vars.String(text)
}

func childrenValue(children []child) vars.Value {
	repeats := make(map[string][]vars.Value)
	for _, c := range children {
		if !c.keyed {
			repeats[c.name] = append(repeats[c.name], c.value)
		}
	}

	m := vars.NewMap()
	listed := make(map[string]bool)
	for _, c := range children {
		switch {
		case c.keyed:
			m.Set(c.key, c.value)
		case len(repeats[c.name]) > 1:
			if !listed[c.name] {
				m.Set(c.name, vars.ListOf(repeats[c.name]...))
				listed[c.name] = true
			}
		default:
			m.Set(c.name, c.value)
		}
	}
	return vars.FromMap(m)
}

func attr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func plainAttrs(el xml.StartElement) *vars.Map {
	m := vars.NewMap()
	for _, a := range el.Attr {
		if a.Name.Local == keyAttr || a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		m.Set(a.Name.Local, vars.String(a.Value))
	}
	return m
}
