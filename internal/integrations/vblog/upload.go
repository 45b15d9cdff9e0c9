package vblog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/BearBump/FreightLink/internal/xmldoc"
	"github.com/beevik/etree"
)

// Provider codes meaning the batch was accepted.
var acceptedUploadCodes = map[string]struct{}{
	"001": {},
	"1":   {},
	"100": {},
}

// UploadDocuments registers subcontracted CT-es. The error is only returned
// for missing configuration; provider rejections live in the result.
func (c *Client) UploadDocuments(ctx context.Context, documents []string) (models.UploadResult, error) {
	if len(documents) == 0 {
		return models.UploadResult{Succeeded: true, Message: "No documents to upload"}, nil
	}
	url, err := c.endpoint(uploadPath)
	if err != nil {
		return models.UploadResult{}, err
	}
	body, err := BuildUpload(c.cnpj, c.token, documents)
	if err != nil {
		return models.UploadResult{}, err
	}

	slog.Info("uploading cte batch", "count", len(documents))
	res := c.tr.Send(ctx, url, body, transport.ContentTypeXML, http.MethodPost)

	out := ParseUploadResponse(res.Body)
	out.HTTPStatus = res.Status
	if !res.OK {
		out.Succeeded = false
		if out.Message == "" || out.Code == nil {
			out.Message = fmt.Sprintf("Upload request failed: %s", truncate(res.Body, 500))
		}
		slog.Warn("cte upload failed", "status", res.Status, "message", out.Message)
		return out, nil
	}

	if out.Succeeded {
		slog.Info("cte upload accepted", "code", deref(out.Code), "protocol", deref(out.Protocol))
	} else {
		slog.Warn("cte upload rejected", "code", deref(out.Code), "message", out.Message)
	}
	return out, nil
}

type jsonControl struct {
	Cod   json.RawMessage `json:"Cod"`
	XDesc string          `json:"xDesc"`
	NProt string          `json:"nProt"`
}

type jsonRetDoc struct {
	ChDoc string          `json:"chDoc"`
	Cod   json.RawMessage `json:"Cod"`
	Desc  string          `json:"Desc"`
}

type jsonGroup struct {
	RetDoc *jsonRetDoc `json:"RetDoc"`
}

type jsonUploadResponse struct {
	RetrecepDocSub *struct {
		Control  jsonControl     `json:"Control"`
		GrupoDoc json.RawMessage `json:"grupoDoc"`
	} `json:"retrecepDocSub"`
}

// ParseUploadResponse accepts the JSON or XML acknowledgement and normalizes it.
func ParseUploadResponse(body string) models.UploadResult {
	out := models.UploadResult{Raw: body}
	trimmed := strings.TrimSpace(strings.TrimPrefix(body, "\ufeff"))
	if trimmed == "" {
		out.Message = "Empty response"
		return out
	}

	if !parseUploadJSON(trimmed, &out) && !parseUploadXML(trimmed, &out) {
		out.Message = "Unrecognized response: " + truncate(trimmed, 500)
		return out
	}
	decideUpload(&out)
	return out
}

func parseUploadJSON(body string, out *models.UploadResult) bool {
	var r jsonUploadResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil || r.RetrecepDocSub == nil {
		return false
	}
	ctrl := r.RetrecepDocSub.Control
	out.Code = optional(rawString(ctrl.Cod))
	out.Description = optional(ctrl.XDesc)
	out.Protocol = optional(ctrl.NProt)

	var groups []jsonGroup
	g := r.RetrecepDocSub.GrupoDoc
	if len(g) > 0 {
		var err error
		switch strings.TrimSpace(string(g))[0] {
		case '[':
			err = json.Unmarshal(g, &groups)
		case '{':
			var one jsonGroup
			if err = json.Unmarshal(g, &one); err == nil {
				groups = append(groups, one)
			}
		}
		if err != nil {
			// Control still decides the outcome; only per-document detail is lost.
			slog.Debug("upload response: grupoDoc not decoded", "error", err.Error())
			groups = nil
		}
	}
	for _, grp := range groups {
		if grp.RetDoc == nil {
			continue
		}
		out.Documents = append(out.Documents, models.UploadDocumentResult{
			DocumentKey: grp.RetDoc.ChDoc,
			Code:        rawString(grp.RetDoc.Cod),
			Description: grp.RetDoc.Desc,
		})
	}
	return true
}

func parseUploadXML(body string, out *models.UploadResult) bool {
	doc, err := xmldoc.Parse(body)
	if err != nil {
		return false
	}
	root := doc.Root()

	var retDocs []*etree.Element
	xmldoc.Walk(root, func(e *etree.Element) bool {
		if e.Tag == "RetDoc" {
			retDocs = append(retDocs, e)
			return true
		}
		if inRetDoc(e) {
			return true
		}
		v := xmldoc.Text(e)
		switch e.Tag {
		case "Cod", "codigo":
			out.Code = v
		case "xDesc", "descricao":
			out.Description = v
		case "nProt", "protocolo":
			out.Protocol = v
		}
		return true
	})

	for _, rd := range retDocs {
		d := models.UploadDocumentResult{}
		for _, child := range rd.ChildElements() {
			v := strings.TrimSpace(child.Text())
			switch child.Tag {
			case "chDoc", "chCTe":
				d.DocumentKey = v
			case "Cod", "codigo":
				d.Code = v
			case "Desc", "xDesc", "descricao":
				d.Description = v
			}
		}
		out.Documents = append(out.Documents, d)
	}
	return true
}

func inRetDoc(e *etree.Element) bool {
	for p := e.Parent(); p != nil; p = p.Parent() {
		if p.Tag == "RetDoc" {
			return true
		}
	}
	return false
}

func decideUpload(out *models.UploadResult) {
	code := deref(out.Code)
	if _, ok := acceptedUploadCodes[code]; ok {
		out.Succeeded = true
		out.Message = deref(out.Description)
		if out.Message == "" {
			out.Message = "Processed successfully"
		}
		return
	}

	out.Succeeded = false
	if len(out.Documents) > 0 {
		parts := make([]string, 0, len(out.Documents))
		for _, d := range out.Documents {
			parts = append(parts, fmt.Sprintf("%s: %s", d.DocumentKey, d.Description))
		}
		out.Message = strings.Join(parts, "; ")
		return
	}
	out.Message = deref(out.Description)
	if out.Message == "" {
		out.Message = "Upload failed"
	}
}

// rawString reads a JSON value that the provider sends as string or number.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
