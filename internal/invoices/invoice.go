package invoices

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type Status struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Invoice is one NF-e referenced by a client CT-e.
type Invoice struct {
	Key    string `json:"key"`
	Status Status `json:"status"`
}

// List is the invoice set embedded in a client document. Keys are unique.
type List []Invoice

func (l List) Keys() []string {
	out := make([]string, 0, len(l))
	for _, inv := range l {
		out = append(out, inv.Key)
	}
	return out
}

func (l List) Find(key string) (Invoice, bool) {
	for _, inv := range l {
		if inv.Key == key {
			return inv, true
		}
	}
	return Invoice{}, false
}

// Seed merges keys into the list. Known keys keep their current status, new
// keys start as pending.
func (l List) Seed(reg *Registry, keys []string) List {
	out := make(List, len(l), len(l)+len(keys))
	copy(out, l)

	seen := make(map[string]struct{}, len(out)+len(keys))
	for _, inv := range out {
		seen[inv.Key] = struct{}{}
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Invoice{Key: k, Status: reg.PendingStatus()})
	}
	return out
}

// Update sets code on every invoice whose key is in keys, or on all invoices
// when keys is nil. Message and type are refreshed from the registry. It
// returns the updated list and the invoices that were transitioned.
func (l List) Update(reg *Registry, keys []string, code string) (List, []Invoice, error) {
	st, err := reg.Status(code)
	if err != nil {
		return l, nil, err
	}

	var filter map[string]struct{}
	if keys != nil {
		filter = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			filter[strings.TrimSpace(k)] = struct{}{}
		}
	}

	out := make(List, len(l))
	copy(out, l)
	changed := make([]Invoice, 0, len(out))
	for i := range out {
		if filter != nil {
			if _, ok := filter[out[i].Key]; !ok {
				continue
			}
		}
		out[i].Status = st
		changed = append(changed, out[i])
	}
	return out, changed, nil
}

// UnmarshalJSON accepts both the structured form and the legacy plain list
// of key strings. Legacy entries get the shared default pending status.
func (l *List) UnmarshalJSON(data []byte) error {
	decoded, err := decodeList(data, DefaultRegistry())
	if err != nil {
		return err
	}
	*l = decoded
	return nil
}

// DecodeList is UnmarshalJSON with an explicit registry for legacy defaults.
func DecodeList(data []byte, reg *Registry) (List, error) {
	return decodeList(data, reg)
}

func decodeList(data []byte, reg *Registry) (List, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return List{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode invoices")
	}

	out := make(List, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		inv, err := decodeInvoice(item, reg)
		if err != nil {
			return nil, err
		}
		if inv.Key == "" {
			continue
		}
		if _, ok := seen[inv.Key]; ok {
			continue
		}
		seen[inv.Key] = struct{}{}
		out = append(out, inv)
	}
	return out, nil
}

func decodeInvoice(item json.RawMessage, reg *Registry) (Invoice, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '"' {
		var key string
		if err := json.Unmarshal(item, &key); err != nil {
			return Invoice{}, errors.Wrap(err, "decode legacy invoice")
		}
		return Invoice{Key: strings.TrimSpace(key), Status: reg.PendingStatus()}, nil
	}

	var inv struct {
		Key    string  `json:"key"`
		Status *Status `json:"status"`
	}
	if err := json.Unmarshal(item, &inv); err != nil {
		return Invoice{}, errors.Wrap(err, "decode invoice")
	}
	out := Invoice{Key: strings.TrimSpace(inv.Key), Status: reg.PendingStatus()}
	if inv.Status != nil && inv.Status.Code != "" {
		out.Status = *inv.Status
	}
	return out, nil
}
