package vblog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/BearBump/FreightLink/internal/xmldoc"
	"github.com/beevik/etree"
)

const codeNoDocuments = 13

// QueryOpenTransits never fails: configuration, transport and parse problems
// are reported through Warnings.
func (c *Client) QueryOpenTransits(ctx context.Context, returnType, transitStatus int) models.TransitQueryResult {
	if returnType <= 0 {
		returnType = DefaultReturnType
	}
	if transitStatus <= 0 {
		transitStatus = DefaultTransitStatus
	}

	url, err := c.endpoint(transitPath)
	if err != nil {
		return emptyTransitResult(fmt.Sprintf("Request failed: %s", err.Error()))
	}
	body, err := BuildTransitQuery(c.cnpj, c.token, returnType, transitStatus)
	if err != nil {
		return emptyTransitResult(fmt.Sprintf("Request failed: %s", err.Error()))
	}

	res := c.tr.Send(ctx, url, body, transport.ContentTypeXML, http.MethodPost)
	if !res.OK {
		slog.Error("transit query failed", "status", res.Status, "body", truncate(res.Body, 200))
		out := emptyTransitResult(fmt.Sprintf("Request failed: HTTP %d: %s", res.Status, truncate(res.Body, 200)))
		out.HTTPStatus = res.Status
		return out
	}

	out := ParseTransits(res.Body)
	out.HTTPStatus = res.Status
	return out
}

func emptyTransitResult(warning string) models.TransitQueryResult {
	return models.TransitQueryResult{
		Transits: []models.TransitRecord{},
		Warnings: []string{warning},
	}
}

// ParseTransits turns an open-transit response into records. Optional
// subtrees may be missing; malformed XML yields a warning and no transits.
func ParseTransits(body string) models.TransitQueryResult {
	out := models.TransitQueryResult{
		Transits: []models.TransitRecord{},
		Warnings: []string{},
	}

	doc, err := xmldoc.Parse(body)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("Invalid XML: %s", err.Error()))
		return out
	}
	root := doc.Root()

	if ctrl := xmldoc.FindFirst(root, "Control"); ctrl != nil {
		if cod := xmldoc.ChildText(ctrl, "Cod"); cod != nil {
			if n, err := strconv.Atoi(*cod); err == nil {
				out.Code = &n
			}
		}
		out.Description = xmldoc.ChildText(ctrl, "xDesc")
	}
	out.Protocol = xmldoc.Text(xmldoc.FindFirst(root, "nProt"))

	if out.Code != nil && *out.Code == codeNoDocuments {
		out.Warnings = append(out.Warnings, "Code 13 - No documents found")
	}

	for _, node := range xmldoc.FindAll(root, "ControleTransito") {
		out.Transits = append(out.Transits, parseTransit(node))
	}
	return out
}

func parseTransit(node *etree.Element) models.TransitRecord {
	rec := models.TransitRecord{
		Documents: []models.Document{},
		Other:     map[string]string{},
	}
	if a := node.SelectAttr("xDocTransp"); a != nil {
		v := a.Value
		rec.TransportDocument = &v
	}

	for _, docs := range xmldoc.FindAll(node, "Docs") {
		if docs == node {
			continue
		}
		for _, child := range docs.ChildElements() {
			rec.Documents = append(rec.Documents, parseDocument(child))
		}
		for k, v := range xmldoc.Attrs(docs) {
			rec.Other[k] = v
		}
	}

	if modal := xmldoc.FindFirst(node, "infModalRodoviario"); modal != nil {
		rec.RoadModal = parseRoadModal(modal)
	}

	for k, v := range xmldoc.Attrs(node) {
		rec.Other[k] = v
	}
	return rec
}

func parseDocument(el *etree.Element) models.Document {
	d := models.Document{
		Type:       el.Tag,
		Value:      xmldoc.Text(el),
		Attributes: map[string]string{},
	}
	for k, v := range xmldoc.Attrs(el) {
		switch k {
		case "xDocFim":
			v := v
			d.DocEnd = &v
		case "tpOp":
			v := v
			d.OperationType = &v
		default:
			d.Attributes[k] = v
		}
	}
	return d
}

func parseRoadModal(el *etree.Element) *models.RoadModal {
	m := &models.RoadModal{
		DriverCPF:  xmldoc.Text(xmldoc.FindFirst(el, "CPFmotorista")),
		DriverName: xmldoc.Text(xmldoc.FindFirst(el, "NomeMotorista")),
		Tractor:    xmldoc.Text(xmldoc.FindFirst(el, "Tracao")),
	}
	for _, t := range xmldoc.FindAll(el, "Reboque") {
		if v := xmldoc.Text(t); v != nil {
			m.Trailers = append(m.Trailers, *v)
		}
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
