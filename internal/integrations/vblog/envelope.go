package vblog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Namespace of every VBLOG envelope.
const Namespace = "http://www.controleembarque.com.br"

const (
	DefaultReturnType    = 7
	DefaultTransitStatus = 2
	fullDocumentReturn   = 3
)

func newEnvelope(root, version, cnpj, token string, declaration bool) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	if declaration {
		doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	}
	r := doc.CreateElement(root)
	r.CreateAttr("versao", version)
	r.CreateAttr("xmlns", Namespace)

	auth := r.CreateElement("Autentic")
	auth.CreateElement("xCNPJ").SetText(cnpj)
	auth.CreateElement("xToken").SetText(token)
	return doc, r
}

func writeEnvelope(doc *etree.Document) (string, error) {
	s, err := doc.WriteToString()
	if err != nil {
		return "", errors.Wrap(err, "serialize envelope")
	}
	return s, nil
}

// BuildTransitQuery builds the open-transit query envelope.
func BuildTransitQuery(cnpj, token string, returnType, transitStatus int) (string, error) {
	doc, root := newEnvelope("envDocSubTransito", "2.00", cnpj, token, true)
	ctrl := root.CreateElement("Control")
	ctrl.CreateElement("tpRet").SetText(strconv.Itoa(returnType))
	ctrl.CreateElement("stTransito").SetText(strconv.Itoa(transitStatus))
	return writeEnvelope(doc)
}

// BuildDocumentRequest builds the envelope asking for one full CT-e.
func BuildDocumentRequest(cnpj, token, accessKey string) (string, error) {
	doc, root := newEnvelope("envDocSubTransitoCTe", "2.00", cnpj, token, true)
	root.CreateElement("Control").CreateElement("tpRet").SetText(strconv.Itoa(fullDocumentReturn))
	root.CreateElement("Docs").CreateElement("chaveCTe").SetText(accessKey)
	return writeEnvelope(doc)
}

func placeholder(i int) string {
	return fmt.Sprintf("___PAYLOAD_CTE_%d___", i)
}

// BuildUpload builds the upload envelope. Each document is injected as text
// after serialization so its signed content is never re-encoded.
func BuildUpload(cnpj, token string, documents []string) (string, error) {
	doc, root := newEnvelope("recepDocSub", "1.00", DigitsOnly(cnpj), token, false)
	ctrl := root.CreateElement("Control")

	pairs := make([]string, 0, 2*len(documents))
	for i, d := range documents {
		ph := placeholder(i)
		ctrl.CreateElement("grupoDoc").CreateElement("xXMLCTe").SetText(ph)
		pairs = append(pairs, ph, CleanDocument(d))
	}

	s, err := writeEnvelope(doc)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer(pairs...).Replace(s), nil
}

var attrSpacing = regexp.MustCompile(`=\s+"`)

// CleanDocument undoes JSON escaping leaked from upstream transports, fixes
// attribute spacing and drops the XML declaration.
func CleanDocument(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\n`, "")
	s = strings.ReplaceAll(s, `\r`, "")
	s = strings.ReplaceAll(s, `\t`, "")
	s = strings.ReplaceAll(s, `\`, "")
	s = attrSpacing.ReplaceAllString(s, `="`)

	if strings.HasPrefix(s, "<?xml") {
		if idx := strings.Index(s, "?>"); idx != -1 {
			s = strings.TrimSpace(s[idx+2:])
		}
	}
	return s
}

// DigitsOnly strips punctuation from a CNPJ.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
