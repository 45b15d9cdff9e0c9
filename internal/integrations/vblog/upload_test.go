package vblog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/BearBump/FreightLink/internal/models"
	"github.com/stretchr/testify/require"
)

func TestParseUploadResponse_JSON(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		res := ParseUploadResponse(`{"retrecepDocSub":{"Control":{"Cod":"001","xDesc":"Lote processado","nProt":"123"}}}`)
		require.True(t, res.Succeeded)
		require.Equal(t, "001", *res.Code)
		require.Equal(t, "Lote processado", res.Message)
		require.Equal(t, "123", *res.Protocol)
	})

	t.Run("numeric code and single group", func(t *testing.T) {
		res := ParseUploadResponse(`{"retrecepDocSub":{"Control":{"Cod":100},"grupoDoc":{"RetDoc":{"chDoc":"K1","Cod":100,"Desc":"ok"}}}}`)
		require.True(t, res.Succeeded)
		require.Equal(t, "Processed successfully", res.Message)
		require.Equal(t, []models.UploadDocumentResult{{DocumentKey: "K1", Code: "100", Description: "ok"}}, res.Documents)
	})

	t.Run("rejected documents", func(t *testing.T) {
		res := ParseUploadResponse(`{"retrecepDocSub":{"Control":{"Cod":"999","xDesc":"Erro"},"grupoDoc":[
			{"RetDoc":{"chDoc":"K1","Cod":"200","Desc":"Duplicado"}},
			{"RetDoc":{"chDoc":"K2","Cod":"201","Desc":"Assinatura invalida"}}]}}`)
		require.False(t, res.Succeeded)
		require.Equal(t, "K1: Duplicado; K2: Assinatura invalida", res.Message)
		require.Len(t, res.Documents, 2)
	})

	t.Run("malformed grupoDoc is logged and skipped", func(t *testing.T) {
		var buf bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
		t.Cleanup(func() { slog.SetDefault(prev) })

		res := ParseUploadResponse(`{"retrecepDocSub":{"Control":{"Cod":"001","xDesc":"ok"},"grupoDoc":[{"RetDoc":"K1"}]}}`)
		require.True(t, res.Succeeded)
		require.Empty(t, res.Documents)
		require.Contains(t, buf.String(), "grupoDoc not decoded")
	})

	t.Run("rejected without documents", func(t *testing.T) {
		res := ParseUploadResponse(`{"retrecepDocSub":{"Control":{"Cod":"500"}}}`)
		require.False(t, res.Succeeded)
		require.Equal(t, "Upload failed", res.Message)
	})
}

func TestParseUploadResponse_XML(t *testing.T) {
	t.Run("portuguese tags", func(t *testing.T) {
		res := ParseUploadResponse(`<retorno><codigo>1</codigo><descricao>OK</descricao><protocolo>P1</protocolo></retorno>`)
		require.True(t, res.Succeeded)
		require.Equal(t, "OK", res.Message)
		require.Equal(t, "P1", *res.Protocol)
	})

	t.Run("document codes do not override control", func(t *testing.T) {
		res := ParseUploadResponse(`<retrecepDocSub xmlns="http://www.controleembarque.com.br">
			<Control><Cod>002</Cod><xDesc>Lote com erros</xDesc></Control>
			<grupoDoc><RetDoc><chDoc>K9</chDoc><Cod>001</Cod><Desc>CT-e nao autorizado</Desc></RetDoc></grupoDoc>
		</retrecepDocSub>`)
		require.False(t, res.Succeeded)
		require.Equal(t, "002", *res.Code)
		require.Equal(t, "K9: CT-e nao autorizado", res.Message)
	})
}

func TestParseUploadResponse_Unrecognized(t *testing.T) {
	res := ParseUploadResponse(`{"other":true}`)
	require.False(t, res.Succeeded)
	require.Contains(t, res.Message, "Unrecognized response")

	res = ParseUploadResponse("")
	require.False(t, res.Succeeded)
	require.Equal(t, "Empty response", res.Message)
}
