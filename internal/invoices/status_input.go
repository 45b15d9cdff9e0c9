package invoices

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// InputKind tells which shape a raw status input arrived in.
type InputKind int

const (
	InputNumber InputKind = iota + 1
	InputString
	InputEncodedObject
	InputObject
)

// StatusInput is the normalized form of a status supplied by an API caller.
type StatusInput struct {
	Kind InputKind
	Code string
}

// ParseStatusInput accepts 5, "5", "{\"code\":\"5\"}" or {"code": 5} and
// returns the code as a string. Registry membership is checked separately.
func ParseStatusInput(raw json.RawMessage) (StatusInput, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return StatusInput{}, ErrEmptyStatus
	}

	switch raw[0] {
	case '{':
		code, err := codeFromObject(raw)
		if err != nil {
			return StatusInput{}, err
		}
		return StatusInput{Kind: InputObject, Code: code}, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return StatusInput{}, errors.Wrap(err, "decode status string")
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "{") {
			if code, err := codeFromObject([]byte(s)); err == nil {
				return StatusInput{Kind: InputEncodedObject, Code: code}, nil
			}
		}
		if s == "" {
			return StatusInput{}, ErrEmptyStatus
		}
		return StatusInput{Kind: InputString, Code: s}, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return StatusInput{}, errors.Wrap(err, "decode status")
		}
		if _, err := strconv.Atoi(n.String()); err != nil {
			return StatusInput{}, errors.Errorf("status code %s is not an integer", n.String())
		}
		return StatusInput{Kind: InputNumber, Code: n.String()}, nil
	}
}

func codeFromObject(raw []byte) (string, error) {
	var obj struct {
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Wrap(err, "decode status object")
	}
	if len(obj.Code) == 0 {
		return "", ErrEmptyStatus
	}
	var s string
	if json.Unmarshal(obj.Code, &s) == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrEmptyStatus
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(obj.Code, &n); err != nil {
		return "", errors.Wrap(err, "decode status code")
	}
	return n.String(), nil
}
