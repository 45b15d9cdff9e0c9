package models

// UploadResult is the normalized acknowledgement of a document upload.
type UploadResult struct {
	HTTPStatus  int                    `json:"httpStatus"`
	Succeeded   bool                   `json:"succeeded"`
	Code        *string                `json:"code,omitempty"`
	Description *string                `json:"description,omitempty"`
	Protocol    *string                `json:"protocol,omitempty"`
	Message     string                 `json:"message"`
	Documents   []UploadDocumentResult `json:"documents,omitempty"`
	Raw         string                 `json:"-"`
}

type UploadDocumentResult struct {
	DocumentKey string `json:"documentKey"`
	Code        string `json:"code"`
	Description string `json:"description"`
}
