package xmlvar

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"errtally/internal/vars"
)

var errListNotEncodable = errors.New("xmlvar: lists have no <var> encoding")

// Encode writes v as a <var> tree under an element named root. Mapping
// entries become <var key="..."> children; null becomes an empty element.
//
// Empty strings and empty mappings come back from Parse as null, and
// strings come back trimmed.
func Encode(w io.Writer, root string, v vars.Value) error {
	enc := xml.NewEncoder(w)
	start := xml.StartElement{Name: xml.Name{Local: root}}
	if err := encodeElement(enc, start, v); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeElement(enc *xml.Encoder, start xml.StartElement, v vars.Value) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	switch v.Kind() {
	case vars.KindNull:
	case vars.KindString:
		s, _ := v.AsString()
		if err := enc.EncodeToken(xml.CharData(s)); err != nil {
			return err
		}
	case vars.KindMap:
		m, _ := v.AsMap()
		var err error
		m.Range(func(key string, val vars.Value) bool {
			el := xml.StartElement{
				Name: xml.Name{Local: "var"},
				Attr: []xml.Attr{{Name: xml.Name{Local: keyAttr}, Value: key}},
			}
			err = encodeElement(enc, el, val)
			return err == nil
		})
		if err != nil {
			return err
		}
	case vars.KindList:
		return errListNotEncodable
	default:
		return fmt.Errorf("xmlvar: cannot encode %s", v.Kind())
	}

	return enc.EncodeToken(start.End())
}
