package models

// TransitRecord is one open transit returned by the document-exchange
// provider. It is a transient parse result and is never stored as is.
type TransitRecord struct {
	TransportDocument *string           `json:"transportDocument,omitempty"`
	Documents         []Document        `json:"documents"`
	RoadModal         *RoadModal        `json:"roadModal,omitempty"`
	Other             map[string]string `json:"other,omitempty"`
}

// Document types that drive the sync workflow.
const (
	DocumentTypeCTeKey = "chaveCTe"
	DocumentTypeXML    = "xml"
)

// Document is a child of a transit's Docs container. Type is the local tag name.
type Document struct {
	Type          string            `json:"type"`
	Value         *string           `json:"value,omitempty"`
	DocEnd        *string           `json:"docEnd,omitempty"`
	OperationType *string           `json:"operationType,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// RoadModal is the infModalRodoviario block: driver and vehicle plates.
type RoadModal struct {
	DriverCPF  *string  `json:"driverCpf,omitempty"`
	DriverName *string  `json:"driverName,omitempty"`
	Tractor    *string  `json:"tractor,omitempty"`
	Trailers   []string `json:"trailers,omitempty"`
}

type TransitQueryResult struct {
	HTTPStatus  int             `json:"httpStatus"`
	Code        *int            `json:"code,omitempty"`
	Description *string         `json:"description,omitempty"`
	Protocol    *string         `json:"protocol,omitempty"`
	Transits    []TransitRecord `json:"transits"`
	Warnings    []string        `json:"warnings"`
}
