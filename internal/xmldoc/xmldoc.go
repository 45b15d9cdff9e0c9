// Package xmldoc holds namespace-agnostic helpers over beevik/etree trees.
package xmldoc

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Parse reads s into a document and fails when it has no root element.
func Parse(s string) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(strings.TrimPrefix(s, "\ufeff")); err != nil {
		return nil, errors.Wrap(err, "parse xml")
	}
	if doc.Root() == nil {
		return nil, errors.New("parse xml: no root element")
	}
	return doc, nil
}

// Walk visits el and all of its descendants in document order. Returning
// false from fn stops the walk.
func Walk(el *etree.Element, fn func(*etree.Element) bool) bool {
	if el == nil {
		return true
	}
	if !fn(el) {
		return false
	}
	for _, c := range el.ChildElements() {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// FindFirst returns the first element (el included) with the given local name.
func FindFirst(el *etree.Element, local string) *etree.Element {
	var found *etree.Element
	Walk(el, func(e *etree.Element) bool {
		if e.Tag == local {
			found = e
			return false
		}
		return true
	})
	return found
}

// FindFirstNS is FindFirst restricted to elements in namespace uri.
func FindFirstNS(el *etree.Element, uri, local string) *etree.Element {
	var found *etree.Element
	Walk(el, func(e *etree.Element) bool {
		if e.Tag == local && e.NamespaceURI() == uri {
			found = e
			return false
		}
		return true
	})
	return found
}

// FindAll returns every element (el included) with the given local name.
func FindAll(el *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	Walk(el, func(e *etree.Element) bool {
		if e.Tag == local {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Child returns the first direct child with the given local name.
func Child(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

// ChildText returns the trimmed text of a direct child, or nil when the child
// is missing or empty.
func ChildText(el *etree.Element, local string) *string {
	return Text(Child(el, local))
}

// Text returns the trimmed text of el, or nil when el is nil or has no text.
func Text(el *etree.Element) *string {
	if el == nil {
		return nil
	}
	s := strings.TrimSpace(el.Text())
	if s == "" {
		return nil
	}
	return &s
}

// Attrs returns the non-namespace attributes of el keyed by local name.
func Attrs(el *etree.Element) map[string]string {
	out := make(map[string]string, len(el.Attr))
	for _, a := range el.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			continue
		}
		out[a.Key] = a.Value
	}
	return out
}

// Serialize writes el as a standalone document without an XML declaration.
func Serialize(el *etree.Element) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		return "", errors.Wrap(err, "serialize xml")
	}
	return s, nil
}
