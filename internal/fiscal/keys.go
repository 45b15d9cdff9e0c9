// Package fiscal extracts access keys from CT-e and NF-e documents.
package fiscal

import (
	"log/slog"
	"strings"

	"github.com/BearBump/FreightLink/internal/xmldoc"
)

// CTeNamespace is the default namespace of CT-e documents.
const CTeNamespace = "http://www.portalfiscal.inf.br/cte"

const (
	TagCTeKey = "chCTe"
	TagNFeKey = "chNFe"
)

// ExtractKey returns the text of the first tag element, looking it up in the
// CT-e namespace first and then under any namespace. Malformed XML yields nil.
func ExtractKey(xml, tag string) *string {
	doc, err := xmldoc.Parse(xml)
	if err != nil {
		slog.Warn("extract key: invalid xml", "tag", tag, "error", err.Error())
		return nil
	}
	root := doc.Root()

	if el := xmldoc.FindFirstNS(root, CTeNamespace, tag); el != nil {
		if v := xmldoc.Text(el); v != nil {
			return v
		}
	}
	for _, el := range xmldoc.FindAll(root, tag) {
		if v := xmldoc.Text(el); v != nil {
			return v
		}
	}
	return nil
}

// ExtractKeys collects the non-empty text of every tag element, ignoring
// namespaces, deduplicated in first-seen order.
func ExtractKeys(xml, tag string) []string {
	doc, err := xmldoc.Parse(xml)
	if err != nil {
		slog.Warn("extract keys: invalid xml", "tag", tag, "error", err.Error())
		return []string{}
	}

	out := []string{}
	seen := map[string]struct{}{}
	for _, el := range xmldoc.FindAll(doc.Root(), tag) {
		v := strings.TrimSpace(el.Text())
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ExtractNFeKeys lists the NF-e keys referenced by a CT-e. Multi-volume
// CT-es repeat keys, so the result is deduplicated.
func ExtractNFeKeys(cteXML string) []string {
	return ExtractKeys(cteXML, TagNFeKey)
}

// IsCTe reports whether xml parses and holds a CT-e, either bare or wrapped
// in cteProc.
func IsCTe(xml string) bool {
	doc, err := xmldoc.Parse(xml)
	if err != nil {
		return false
	}
	return xmldoc.FindFirst(doc.Root(), "CTe") != nil || doc.Root().Tag == "cteProc"
}
