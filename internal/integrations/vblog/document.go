package vblog

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/BearBump/FreightLink/internal/xmldoc"
	"github.com/beevik/etree"
)

// Elements that may carry the downloaded CT-e.
var payloadContainers = []string{"xXMLCTe", "xml", "cteProc"}

// DownloadDocument fetches the full CT-e XML for accessKey. Any failure is
// logged and reported as nil.
func (c *Client) DownloadDocument(ctx context.Context, accessKey string) *string {
	accessKey = strings.TrimSpace(accessKey)
	if accessKey == "" {
		return nil
	}

	if c.docCache != nil {
		if b, ok, err := c.docCache.Get(ctx, documentCacheKey(accessKey)); err == nil && ok && len(b) > 0 {
			s := string(b)
			return &s
		}
	}

	url, err := c.endpoint(documentPath)
	if err != nil {
		slog.Error("download cte", "key", accessKey, "error", err.Error())
		return nil
	}
	body, err := BuildDocumentRequest(c.cnpj, c.token, accessKey)
	if err != nil {
		slog.Error("download cte", "key", accessKey, "error", err.Error())
		return nil
	}

	res := c.tr.Send(ctx, url, body, transport.ContentTypeXML, http.MethodPost)
	if !res.OK {
		slog.Error("download cte failed", "key", accessKey, "status", res.Status, "body", truncate(res.Body, 200))
		return nil
	}

	out := ExtractDocumentPayload(res.Body)
	if out == nil {
		slog.Warn("download cte: no payload in response", "key", accessKey, "body", truncate(res.Body, 200))
		return nil
	}

	if c.docCache != nil {
		if err := c.docCache.Set(ctx, documentCacheKey(accessKey), []byte(*out), c.docCacheTTL); err != nil {
			slog.Warn("cache cte", "key", accessKey, "error", err.Error())
		}
	}
	return out
}

func documentCacheKey(accessKey string) string {
	return "vblog:cte:" + accessKey
}

// ExtractDocumentPayload finds the CT-e inside a download response. Only a
// cteProc element or escaped text that parses as XML counts as payload, so
// an error message in xXMLCTe yields nil.
func ExtractDocumentPayload(body string) *string {
	doc, err := xmldoc.Parse(body)
	if err != nil {
		slog.Warn("cte response: invalid xml", "error", err.Error())
		return nil
	}
	root := doc.Root()

	if ctrl := xmldoc.FindFirst(root, "Control"); ctrl != nil {
		if cod := xmldoc.ChildText(ctrl, "Cod"); cod != nil && *cod != "001" && *cod != "1" {
			desc := ""
			if d := xmldoc.ChildText(ctrl, "xDesc"); d != nil {
				desc = *d
			}
			slog.Warn("cte response carries provider error", "code", *cod, "description", desc)
		}
	}

	for _, container := range containers(root) {
		if text := strings.TrimSpace(container.Text()); isXMLText(text) {
			return &text
		}
		// FindFirst includes the container, so a bare cteProc matches too.
		if proc := xmldoc.FindFirst(container, "cteProc"); proc != nil {
			return serialize(proc)
		}
	}
	return nil
}

// containers lists payload candidates in document order.
func containers(root *etree.Element) []*etree.Element {
	var out []*etree.Element
	xmldoc.Walk(root, func(e *etree.Element) bool {
		for _, name := range payloadContainers {
			if e.Tag == name {
				out = append(out, e)
				break
			}
		}
		return true
	})
	return out
}

// isXMLText reports whether escaped container text is itself a document.
// Providers put plain error messages in the same element.
func isXMLText(text string) bool {
	if !strings.HasPrefix(text, "<") {
		return false
	}
	_, err := xmldoc.Parse(text)
	return err == nil
}

func serialize(el *etree.Element) *string {
	s, err := xmldoc.Serialize(el)
	if err != nil {
		slog.Warn("cte response: serialize payload", "error", err.Error())
		return nil
	}
	return &s
}
