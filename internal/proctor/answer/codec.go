package answer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrEmptyAnswer is returned when a deselect value is offered for storage.
	// Callers delete the stored answer instead.
	ErrEmptyAnswer = errors.New("answer is empty")
	// ErrInvalidAnswer is returned when input does not fit the question type.
	ErrInvalidAnswer = errors.New("answer does not match question type")
)

// letterIndex maps a display letter to a zero-based option index.
func letterIndex(letter string) int {
	if len(letter) != 1 {
		return -1
	}
	c := letter[0]
	if c < 'A' || c > 'Z' {
		return -1
	}
	return int(c) - 'A'
}

func inRange(idx int, q model.ExamQuestion) bool {
	return idx >= 0 && idx < len(q.Options)
}

// ToStorage encodes a display value into the backend storage form.
//
//	mcq-single    "C"        -> 2
//	mcq-multiple  ["A","C"]  -> [0,2]
//	other types   unchanged
func ToStorage(q model.ExamQuestion, v Value) (json.RawMessage, error) {
	if v.IsEmpty() {
		return nil, ErrEmptyAnswer
	}

	switch q.Type {
	case model.QuestionTypeMCQSingle:
		if v.kind != KindChoice {
			return nil, fmt.Errorf("%w: %s wants a single letter, got %s", ErrInvalidAnswer, q.Type, v.kind)
		}
		idx := letterIndex(v.text)
		if !inRange(idx, q) {
			return nil, fmt.Errorf("%w: option %q out of range", ErrInvalidAnswer, v.text)
		}
		return json.Marshal(idx)

	case model.QuestionTypeMCQMultiple:
		if v.kind != KindChoices {
			return nil, fmt.Errorf("%w: %s wants letters, got %s", ErrInvalidAnswer, q.Type, v.kind)
		}
		indices := make([]int, 0, len(v.choices))
		seen := make(map[int]bool, len(v.choices))
		for _, l := range v.choices {
			idx := letterIndex(l)
			if !inRange(idx, q) || seen[idx] {
				continue
			}
			seen[idx] = true
			indices = append(indices, idx)
		}
		if len(indices) == 0 {
			return nil, ErrEmptyAnswer
		}
		return json.Marshal(indices)
	}

	switch v.kind {
	case KindText, KindChoice:
		return json.Marshal(v.text)
	case KindNumber:
		return json.Marshal(v.number)
	case KindChoices:
		return json.Marshal(v.choices)
	case KindRaw:
		return Raw(v.raw).raw, nil
	}
	return nil, ErrEmptyAnswer
}

// ToDisplay decodes a stored value. The boolean is false when the stored value
// yields no answer (null, malformed, or an out-of-range index).
func ToDisplay(q model.ExamQuestion, stored json.RawMessage) (Value, bool) {
	stored = bytes.TrimSpace(stored)
	if len(stored) == 0 || bytes.Equal(stored, []byte("null")) {
		return None(), false
	}

	switch q.Type {
	case model.QuestionTypeMCQSingle:
		letter, ok := decodeChoice(q, stored)
		if !ok {
			return None(), false
		}
		return Choice(letter), true

	case model.QuestionTypeMCQMultiple:
		var elems []json.RawMessage
		if err := json.Unmarshal(stored, &elems); err != nil {
			// A lone index is accepted as a one-element selection.
			letter, ok := decodeChoice(q, stored)
			if !ok {
				return None(), false
			}
			return Choices(letter), true
		}
		letters := make([]string, 0, len(elems))
		seen := make(map[string]bool, len(elems))
		for _, e := range elems {
			letter, ok := decodeChoice(q, e)
			if !ok || seen[letter] {
				continue
			}
			seen[letter] = true
			letters = append(letters, letter)
		}
		if len(letters) == 0 {
			return None(), false
		}
		return Choices(letters...), true
	}

	v := passthrough(stored)
	if v.IsEmpty() {
		return None(), false
	}
	return v, true
}

// decodeChoice resolves one stored element of a choice question to a letter.
// Indices are the current form; option text and bare letters are legacy forms.
func decodeChoice(q model.ExamQuestion, raw json.RawMessage) (string, bool) {
	var idx float64
	if err := json.Unmarshal(raw, &idx); err == nil {
		i := int(idx)
		if float64(i) != idx || !inRange(i, q) {
			return "", false
		}
		return model.OptionID(i), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	for i, opt := range q.Options {
		if opt.Text != "" && opt.Text == s {
			return model.OptionID(i), true
		}
	}
	if i := letterIndex(s); inRange(i, q) {
		return s, true
	}
	return "", false
}

func passthrough(raw json.RawMessage) Value {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Text(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return Number(n)
	}
	return Raw(raw)
}

// Parse turns input from the answering UI into a display value. Null, "" and
// [] parse to the deselect value.
func Parse(q model.ExamQuestion, input json.RawMessage) (Value, error) {
	input = bytes.TrimSpace(input)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		return None(), nil
	}

	switch q.Type {
	case model.QuestionTypeMCQSingle:
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return None(), fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return Choice(""), nil
		}
		if !inRange(letterIndex(s), q) {
			return None(), fmt.Errorf("%w: option %q out of range", ErrInvalidAnswer, s)
		}
		return Choice(s), nil

	case model.QuestionTypeMCQMultiple:
		var letters []string
		if err := json.Unmarshal(input, &letters); err != nil {
			return None(), fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		out := make([]string, 0, len(letters))
		seen := make(map[string]bool, len(letters))
		for _, l := range letters {
			l = strings.ToUpper(strings.TrimSpace(l))
			if !inRange(letterIndex(l), q) {
				return None(), fmt.Errorf("%w: option %q out of range", ErrInvalidAnswer, l)
			}
			if seen[l] {
				continue
			}
			seen[l] = true
			out = append(out, l)
		}
		return Choices(out...), nil

	case model.QuestionTypeSingleWord:
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return None(), fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		return Text(s), nil
	}

	return passthrough(input), nil
}

// RestoreAll decodes persisted submissions into display values. Entries whose
// question is no longer in the set are carried through unchanged.
func RestoreAll(questions []model.ExamQuestion, subs []model.Submission) map[uuid.UUID]Value {
	byID := make(map[uuid.UUID]model.ExamQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	out := make(map[uuid.UUID]Value, len(subs))
	for _, s := range subs {
		q, ok := byID[s.QuestionID]
		if !ok {
			if r := Raw(s.Answer); !r.IsEmpty() {
				out[s.QuestionID] = r
			}
			continue
		}
		if v, ok := ToDisplay(q, s.Answer); ok {
			out[s.QuestionID] = v
		}
	}
	return out
}

// Matches reports whether a stored answer equals a storage-form key. Index
// sets compare order-insensitively and text compares case-insensitively.
func Matches(q model.ExamQuestion, stored, key json.RawMessage) bool {
	if len(key) == 0 {
		return false
	}
	got, ok := ToDisplay(q, stored)
	if !ok {
		return false
	}
	want, ok := ToDisplay(q, key)
	if !ok {
		return false
	}

	switch q.Type {
	case model.QuestionTypeMCQMultiple:
		if len(got.choices) != len(want.choices) {
			return false
		}
		set := make(map[string]bool, len(want.choices))
		for _, l := range want.choices {
			set[l] = true
		}
		for _, l := range got.choices {
			if !set[l] {
				return false
			}
		}
		return true
	}

	if got.kind == KindText && want.kind == KindText {
		return strings.EqualFold(strings.TrimSpace(got.text), strings.TrimSpace(want.text))
	}
	if got.kind == KindText && want.kind == KindNumber {
		return strings.TrimSpace(got.text) == want.String()
	}
	if got.kind == KindNumber && want.kind == KindText {
		return got.String() == strings.TrimSpace(want.text)
	}
	return got.Equal(want)
}
