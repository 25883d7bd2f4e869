package answer

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func question(t model.QuestionType, n int) model.ExamQuestion {
	opts := make([]model.Option, n)
	for i := range opts {
		opts[i].Text = fmt.Sprintf("Option %d", i+1)
	}
	return model.ExamQuestion{ID: uuid.New(), Type: t, Options: model.AssignOptionIDs(opts)}
}

func TestToStorage(t *testing.T) {
	single := question(model.QuestionTypeMCQSingle, 4)
	multi := question(model.QuestionTypeMCQMultiple, 4)
	word := question(model.QuestionTypeSingleWord, 0)
	numeric := question(model.QuestionTypeNumeric, 0)

	tests := []struct {
		name    string
		q       model.ExamQuestion
		v       Value
		want    string
		wantErr error
	}{
		{name: "single letter to index", q: single, v: Choice("C"), want: `2`},
		{name: "single first option", q: single, v: Choice("A"), want: `0`},
		{name: "single out of range", q: single, v: Choice("E"), wantErr: ErrInvalidAnswer},
		{name: "single wrong shape", q: single, v: Text("C"), wantErr: ErrInvalidAnswer},
		{name: "single empty is deselect", q: single, v: Choice(""), wantErr: ErrEmptyAnswer},
		{name: "multi letters to indices", q: multi, v: Choices("A", "C"), want: `[0,2]`},
		{name: "multi drops out of range", q: multi, v: Choices("B", "Z", "D"), want: `[1,3]`},
		{name: "multi collapses duplicates", q: multi, v: Choices("B", "B"), want: `[1]`},
		{name: "multi all out of range is empty", q: multi, v: Choices("X", "Y"), wantErr: ErrEmptyAnswer},
		{name: "multi empty is deselect", q: multi, v: Choices(), wantErr: ErrEmptyAnswer},
		{name: "single word passthrough", q: word, v: Text("photosynthesis"), want: `"photosynthesis"`},
		{name: "numeric passthrough", q: numeric, v: Number(3.5), want: `3.5`},
		{name: "numeric as text passthrough", q: numeric, v: Text("42"), want: `"42"`},
		{name: "none is deselect", q: word, v: None(), wantErr: ErrEmptyAnswer},
		{name: "empty text is deselect", q: word, v: Text(""), wantErr: ErrEmptyAnswer},
		{name: "raw null is deselect", q: word, v: Raw(json.RawMessage(`null`)), wantErr: ErrEmptyAnswer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToStorage(tc.q, tc.v)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("ToStorage = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestToDisplay(t *testing.T) {
	single := question(model.QuestionTypeMCQSingle, 4)
	multi := question(model.QuestionTypeMCQMultiple, 4)
	long := question(model.QuestionTypeLongAnswer, 0)

	tests := []struct {
		name   string
		q      model.ExamQuestion
		stored string
		want   Value
		ok     bool
	}{
		{name: "index two is C", q: single, stored: `2`, want: Choice("C"), ok: true},
		{name: "legacy option text", q: single, stored: `"Option 2"`, want: Choice("B"), ok: true},
		{name: "legacy letter", q: single, stored: `"D"`, want: Choice("D"), ok: true},
		{name: "legacy letter out of range", q: single, stored: `"F"`, ok: false},
		{name: "lowercase letter is not a letter", q: single, stored: `"b"`, ok: false},
		{name: "index out of range", q: single, stored: `7`, ok: false},
		{name: "negative index", q: single, stored: `-1`, ok: false},
		{name: "fractional index", q: single, stored: `1.5`, ok: false},
		{name: "null", q: single, stored: `null`, ok: false},
		{name: "malformed", q: single, stored: `{"x":1}`, ok: false},
		{name: "multi indices", q: multi, stored: `[0,3]`, want: Choices("A", "D"), ok: true},
		{name: "multi drops out of range", q: multi, stored: `[1,9,2]`, want: Choices("B", "C"), ok: true},
		{name: "multi legacy texts", q: multi, stored: `["Option 1","Option 3"]`, want: Choices("A", "C"), ok: true},
		{name: "multi lone index", q: multi, stored: `2`, want: Choices("C"), ok: true},
		{name: "multi all out of range", q: multi, stored: `[8,9]`, ok: false},
		{name: "multi empty", q: multi, stored: `[]`, ok: false},
		{name: "long answer text", q: long, stored: `"because"`, want: Text("because"), ok: true},
		{name: "long answer empty text", q: long, stored: `""`, ok: false},
		{name: "object passthrough", q: long, stored: `{"blank":"x"}`, want: Raw(json.RawMessage(`{"blank":"x"}`)), ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToDisplay(tc.q, json.RawMessage(tc.stored))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v (value %v)", ok, tc.ok, got)
			}
			if ok && !got.Equal(tc.want) {
				t.Errorf("ToDisplay = %v (%s), want %v (%s)", got, got.Kind(), tc.want, tc.want.Kind())
			}
		})
	}
}

func TestChoiceRoundTrip(t *testing.T) {
	for n := 1; n <= 8; n++ {
		single := question(model.QuestionTypeMCQSingle, n)
		multi := question(model.QuestionTypeMCQMultiple, n)

		for i := 0; i < n; i++ {
			v := Choice(model.OptionID(i))
			stored, err := ToStorage(single, v)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			back, ok := ToDisplay(single, stored)
			if !ok || !back.Equal(v) {
				t.Errorf("n=%d: single %v -> %s -> %v", n, v, stored, back)
			}
		}

		// Every non-empty subset in ascending order.
		for mask := 1; mask < 1<<n; mask++ {
			var letters []string
			for i := 0; i < n; i++ {
				if mask&(1<<i) != 0 {
					letters = append(letters, model.OptionID(i))
				}
			}
			v := Choices(letters...)
			stored, err := ToStorage(multi, v)
			if err != nil {
				t.Fatalf("n=%d mask=%b: %v", n, mask, err)
			}
			back, ok := ToDisplay(multi, stored)
			if !ok || !back.Equal(v) {
				t.Errorf("n=%d: multi %v -> %s -> %v", n, v, stored, back)
			}
		}
	}
}

func TestParse(t *testing.T) {
	single := question(model.QuestionTypeMCQSingle, 3)
	multi := question(model.QuestionTypeMCQMultiple, 3)
	word := question(model.QuestionTypeSingleWord, 0)
	numeric := question(model.QuestionTypeNumeric, 0)

	tests := []struct {
		name    string
		q       model.ExamQuestion
		input   string
		want    Value
		empty   bool
		wantErr bool
	}{
		{name: "single letter", q: single, input: `"b"`, want: Choice("B")},
		{name: "single empty", q: single, input: `""`, empty: true},
		{name: "single null", q: single, input: `null`, empty: true},
		{name: "single out of range", q: single, input: `"D"`, wantErr: true},
		{name: "single wrong type", q: single, input: `1`, wantErr: true},
		{name: "multi letters", q: multi, input: `["c","A","C"]`, want: Choices("C", "A")},
		{name: "multi empty", q: multi, input: `[]`, empty: true},
		{name: "multi out of range", q: multi, input: `["A","Q"]`, wantErr: true},
		{name: "word", q: word, input: `"mitochondria"`, want: Text("mitochondria")},
		{name: "word empty", q: word, input: `""`, empty: true},
		{name: "word number rejected", q: word, input: `12`, wantErr: true},
		{name: "numeric number", q: numeric, input: `12.5`, want: Number(12.5)},
		{name: "numeric text", q: numeric, input: `"12.5"`, want: Text("12.5")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.q, json.RawMessage(tc.input))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidAnswer) {
					t.Fatalf("err = %v, want ErrInvalidAnswer", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.empty {
				if !got.IsEmpty() {
					t.Errorf("Parse = %v, want deselect", got)
				}
				return
			}
			if !got.Equal(tc.want) {
				t.Errorf("Parse = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRestoreAll(t *testing.T) {
	single := question(model.QuestionTypeMCQSingle, 4)
	multi := question(model.QuestionTypeMCQMultiple, 4)
	word := question(model.QuestionTypeSingleWord, 0)
	removed := uuid.New()

	subs := []model.Submission{
		{QuestionID: single.ID, Answer: json.RawMessage(`2`)},
		{QuestionID: multi.ID, Answer: json.RawMessage(`[9]`)},
		{QuestionID: word.ID, Answer: json.RawMessage(`"osmosis"`)},
		{QuestionID: removed, Answer: json.RawMessage(`[1,2]`)},
	}

	got := RestoreAll([]model.ExamQuestion{single, multi, word}, subs)

	if v := got[single.ID]; !v.Equal(Choice("C")) {
		t.Errorf("single = %v, want C", v)
	}
	if _, ok := got[multi.ID]; ok {
		t.Errorf("multi with only out-of-range indices should restore to no answer")
	}
	if v := got[word.ID]; !v.Equal(Text("osmosis")) {
		t.Errorf("word = %v, want osmosis", v)
	}
	v, ok := got[removed]
	if !ok {
		t.Fatal("answer for a question no longer in the set was dropped")
	}
	if v.Kind() != KindRaw || v.String() != `[1,2]` {
		t.Errorf("carried answer = %s %v, want raw [1,2]", v.Kind(), v)
	}
}

func TestMatches(t *testing.T) {
	single := question(model.QuestionTypeMCQSingle, 4)
	multi := question(model.QuestionTypeMCQMultiple, 4)
	word := question(model.QuestionTypeSingleWord, 0)
	numeric := question(model.QuestionTypeNumeric, 0)

	tests := []struct {
		name   string
		q      model.ExamQuestion
		stored string
		key    string
		want   bool
	}{
		{name: "single equal", q: single, stored: `1`, key: `1`, want: true},
		{name: "single legacy text vs index", q: single, stored: `"Option 2"`, key: `1`, want: true},
		{name: "single different", q: single, stored: `0`, key: `1`},
		{name: "multi order insensitive", q: multi, stored: `[2,0]`, key: `[0,2]`, want: true},
		{name: "multi missing one", q: multi, stored: `[0]`, key: `[0,2]`},
		{name: "word case insensitive", q: word, stored: `"Osmosis "`, key: `"osmosis"`, want: true},
		{name: "numeric text vs number", q: numeric, stored: `"42"`, key: `42`, want: true},
		{name: "no key", q: numeric, stored: `42`, key: ``},
		{name: "no answer", q: numeric, stored: `null`, key: `42`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var key json.RawMessage
			if tc.key != "" {
				key = json.RawMessage(tc.key)
			}
			if got := Matches(tc.q, json.RawMessage(tc.stored), key); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValueMarshalJSON(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{None(), `null`},
		{Choice("B"), `"B"`},
		{Choices("A", "C"), `["A","C"]`},
		{Choices(), `[]`},
		{Number(7), `7`},
		{Raw(json.RawMessage(`{"a":1}`)), `{"a":1}`},
	}
	for _, tc := range tests {
		got, err := json.Marshal(tc.v)
		if err != nil {
			t.Fatalf("marshal %v: %v", tc.v, err)
		}
		if string(got) != tc.want {
			t.Errorf("marshal %s = %s, want %s", tc.v.Kind(), got, tc.want)
		}
	}
}
