package invoices

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrInvalidCode = errors.New("invalid tracking code")
	ErrEmptyStatus = errors.New("status code is required")
)

// Status types reported alongside each code.
const (
	TypePending   = "pending"
	TypeInfo      = "info"
	TypeTransit   = "transit"
	TypeFinal     = "final"
	TypeException = "exception"
)

type StatusInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Registry is an immutable code → status lookup. Build it once and share it.
type Registry struct {
	codes   map[string]StatusInfo
	sorted  []string
	pending string
}

// NewRegistry copies codes. Every code must be numeric (the tracking provider
// sends it as an integer) and pending must be one of them.
func NewRegistry(codes map[string]StatusInfo, pending string) (*Registry, error) {
	if len(codes) == 0 {
		return nil, errors.New("registry is empty")
	}
	r := &Registry{
		codes:   make(map[string]StatusInfo, len(codes)),
		sorted:  make([]string, 0, len(codes)),
		pending: pending,
	}
	for code, info := range codes {
		if _, err := strconv.Atoi(code); err != nil {
			return nil, errors.Errorf("registry code %q is not numeric", code)
		}
		r.codes[code] = info
		r.sorted = append(r.sorted, code)
	}
	if _, ok := r.codes[pending]; !ok {
		return nil, errors.Errorf("pending code %q is not registered", pending)
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		a, _ := strconv.Atoi(r.sorted[i])
		b, _ := strconv.Atoi(r.sorted[j])
		return a < b
	})
	return r, nil
}

func MustRegistry(codes map[string]StatusInfo, pending string) *Registry {
	r, err := NewRegistry(codes, pending)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(code string) (StatusInfo, bool) {
	info, ok := r.codes[code]
	return info, ok
}

func (r *Registry) Valid(code string) bool {
	_, ok := r.codes[code]
	return ok
}

func (r *Registry) Pending() string {
	return r.pending
}

// Codes returns the registered codes in numeric order.
func (r *Registry) Codes() []string {
	out := make([]string, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Status builds a Status whose message and type come from the registry.
func (r *Registry) Status(code string) (Status, error) {
	info, ok := r.codes[code]
	if !ok {
		return Status{}, errors.Wrapf(ErrInvalidCode, "code %q", code)
	}
	return Status{Code: code, Message: info.Message, Type: info.Type}, nil
}

// PendingStatus is the status new invoices start with.
func (r *Registry) PendingStatus() Status {
	s, _ := r.Status(r.pending)
	return s
}

// DefaultPendingCode is the initial status of shipments and invoices.
const DefaultPendingCode = "10"

var defaultCodes = map[string]StatusInfo{
	"0":  {Message: "Processo de transporte iniciado", Type: TypeInfo},
	"1":  {Message: "Entrega realizada normalmente", Type: TypeFinal},
	"2":  {Message: "Entrega fora da data programada", Type: TypeFinal},
	"3":  {Message: "Recusa por falta de pedido de compra", Type: TypeException},
	"4":  {Message: "Recusa por pedido de compra cancelado", Type: TypeException},
	"5":  {Message: "Falta de espaço físico no depósito do cliente destino", Type: TypeException},
	"6":  {Message: "Endereço do cliente destino não localizado", Type: TypeException},
	"7":  {Message: "Devolução não autorizada pelo cliente", Type: TypeException},
	"8":  {Message: "Preço da mercadoria em desacordo com o pedido", Type: TypeException},
	"9":  {Message: "Destinatário desconhecido", Type: TypeException},
	"10": {Message: "Documento recebido, aguardando embarque", Type: TypePending},
	"11": {Message: "Mercadoria avariada", Type: TypeException},
	"13": {Message: "Entrega agendada", Type: TypeInfo},
	"19": {Message: "Reentrega solicitada pelo cliente", Type: TypeInfo},
	"25": {Message: "Devolução total", Type: TypeFinal},
	"80": {Message: "Mercadoria coletada", Type: TypeTransit},
	"81": {Message: "Mercadoria em trânsito", Type: TypeTransit},
	"82": {Message: "Chegada na unidade de destino", Type: TypeTransit},
	"83": {Message: "Saiu para entrega", Type: TypeTransit},
	"91": {Message: "Comprovante de entrega anexado", Type: TypeInfo},
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return MustRegistry(defaultCodes, DefaultPendingCode)
})

// DefaultRegistry returns the tracking provider's code table. The registry
// is built once and shared.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}
