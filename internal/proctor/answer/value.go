// Package answer converts between the answer shapes shown to an exam taker
// and the shapes the backend stores. It is the only package that inspects
// the tag of an answer Value.
package answer

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Kind tags the shape held by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindText
	KindChoice
	KindChoices
	KindNumber
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindChoice:
		return "choice"
	case KindChoices:
		return "choices"
	case KindNumber:
		return "number"
	case KindRaw:
		return "raw"
	}
	return "none"
}

// Value is an answer in display form.
type Value struct {
	kind    Kind
	text    string
	choices []string
	number  float64
	raw     json.RawMessage
}

// None is the absent answer.
func None() Value { return Value{} }

// Text is a free-text answer.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Choice is a single option letter.
func Choice(letter string) Value { return Value{kind: KindChoice, text: letter} }

// Choices is a set of option letters.
func Choices(letters ...string) Value {
	c := make([]string, len(letters))
	copy(c, letters)
	return Value{kind: KindChoices, choices: c}
}

// Number is a numeric answer.
func Number(n float64) Value { return Value{kind: KindNumber, number: n} }

// Raw carries a stored value this package could not interpret.
func Raw(r json.RawMessage) Value {
	c := make(json.RawMessage, len(r))
	copy(c, r)
	return Value{kind: KindRaw, raw: c}
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports the deselect signal: no value, an empty string, an empty
// selection, or a null.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNone:
		return true
	case KindText, KindChoice:
		return v.text == ""
	case KindChoices:
		return len(v.choices) == 0
	case KindRaw:
		t := bytes.TrimSpace(v.raw)
		return len(t) == 0 || bytes.Equal(t, []byte("null")) ||
			bytes.Equal(t, []byte(`""`)) || bytes.Equal(t, []byte("[]"))
	}
	return false
}

// Equal reports whether two values hold the same answer.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText, KindChoice:
		return v.text == o.text
	case KindNumber:
		return v.number == o.number
	case KindChoices:
		if len(v.choices) != len(o.choices) {
			return false
		}
		for i := range v.choices {
			if v.choices[i] != o.choices[i] {
				return false
			}
		}
		return true
	case KindRaw:
		return bytes.Equal(bytes.TrimSpace(v.raw), bytes.TrimSpace(o.raw))
	}
	return true
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindChoice:
		return v.text
	case KindChoices:
		b, _ := json.Marshal(v.choices)
		return string(b)
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindRaw:
		return string(v.raw)
	}
	return ""
}

// MarshalJSON renders the display form: a string, an array of letters, a
// number, or the raw stored value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindText, KindChoice:
		return json.Marshal(v.text)
	case KindChoices:
		if v.choices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.choices)
	case KindNumber:
		return json.Marshal(v.number)
	case KindRaw:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	}
	return []byte("null"), nil
}
