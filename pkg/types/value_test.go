package types

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeAttributes(t *testing.T) {
	doc := `{"subject": "Fix it", "priority": 3, "done": false, "assignee": null,
		"due": "2022-01-05T00:00:00Z", "date": "2022-01-05", "tags": ["a", "b"]}`

	attrs, err := DecodeAttributes([]byte(doc))
	if err != nil {
		t.Fatalf("DecodeAttributes failed: %v", err)
	}

	tests := []struct {
		key  string
		kind ValueKind
		str  string
	}{
		{"subject", KindString, "Fix it"},
		{"priority", KindNumber, "3"},
		{"done", KindBool, "false"},
		{"assignee", KindNull, "null"},
		{"due", KindTime, "2022-01-05T00:00:00Z"},
		{"date", KindString, "2022-01-05"},
		{"tags", KindString, `["a", "b"]`},
	}
	for _, tt := range tests {
		v, ok := attrs.Get(tt.key)
		if !ok {
			t.Errorf("%s: expected present", tt.key)
			continue
		}
		if v.Kind() != tt.kind || v.String() != tt.str {
			t.Errorf("%s: expected %s %q, got %s %q", tt.key, tt.kind, tt.str, v.Kind(), v.String())
		}
	}
	if _, ok := attrs.Get("missing"); ok {
		t.Error("expected missing attribute absent")
	}

	if _, err := DecodeAttributes([]byte(`[1, 2]`)); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("expected ErrInvalidDocument, got %v", err)
	}
	if empty, err := DecodeAttributes(nil); err != nil || len(empty) != 0 {
		t.Errorf("expected empty attributes, got %v, %v", empty, err)
	}
}

func TestEncodeAttributes(t *testing.T) {
	attrs := Attributes{
		"due":      Time(time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)),
		"assignee": Null(),
		"priority": Int(3),
	}
	data, err := EncodeAttributes(attrs)
	if err != nil {
		t.Fatalf("EncodeAttributes failed: %v", err)
	}
	if string(data) != `{"assignee":null,"due":"2022-01-05T00:00:00.000000Z","priority":3}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	decoded, err := DecodeAttributes(data)
	if err != nil {
		t.Fatalf("DecodeAttributes failed: %v", err)
	}
	for k, v := range attrs {
		if got := decoded[k]; !got.Equal(v) {
			t.Errorf("%s: expected %v, got %v", k, v, got)
		}
	}

	data, err = EncodeAttributes(Attributes{"due": String("2022-01-05T01:00:00+01:00"), "date": String("2022-01-05")})
	if err != nil {
		t.Fatalf("EncodeAttributes failed: %v", err)
	}
	if string(data) != `{"date":"2022-01-05","due":"2022-01-05T00:00:00.000000Z"}` {
		t.Errorf("expected instant strings in storage layout, got %s", data)
	}

	if data, _ := EncodeAttributes(nil); string(data) != "{}" {
		t.Errorf("expected {} for nil attributes, got %s", data)
	}
}

func TestValue_Equal(t *testing.T) {
	when := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		a, b  Value
		equal bool
	}{
		{Null(), Null(), true},
		{Null(), String(""), false},
		{String("a"), String("a"), true},
		{Int(1), Number(1), true},
		{Int(1), String("1"), false},
		{Bool(true), Bool(false), false},
		{Time(when), Time(when.In(time.FixedZone("X", 7200))), true},
	}
	for i, tt := range tests {
		if got := tt.a.Equal(tt.b); got != tt.equal {
			t.Errorf("case %d: %v == %v: expected %v, got %v", i, tt.a, tt.b, tt.equal, got)
		}
	}
}

func TestAttributes_Without(t *testing.T) {
	historic := Attributes{
		"subject":  String("old"),
		"priority": Int(2),
		"assignee": Null(),
		"removed":  String("x"),
	}
	current := Attributes{
		"subject":  String("new"),
		"priority": Int(2),
		"assignee": String("alice"),
	}

	diff := historic.Without(current)
	for _, k := range []string{"subject", "assignee", "removed"} {
		if _, ok := diff.Get(k); !ok {
			t.Errorf("expected %s present", k)
		}
	}
	if _, ok := diff.Get("priority"); ok {
		t.Error("expected unchanged priority absent")
	}
	if len(historic) != 4 {
		t.Error("Without modified the receiver")
	}
}

func TestValueOf(t *testing.T) {
	tests := []struct {
		in   interface{}
		kind ValueKind
	}{
		{nil, KindNull},
		{"text", KindString},
		{[]byte("bytes"), KindString},
		{int64(4), KindNumber},
		{2.5, KindNumber},
		{true, KindBool},
		{time.Now(), KindTime},
		{"2022-01-01T00:00:00Z", KindTime},
		{map[string]int{"a": 1}, KindString},
	}
	for _, tt := range tests {
		if got := ValueOf(tt.in).Kind(); got != tt.kind {
			t.Errorf("ValueOf(%v): expected %s, got %s", tt.in, tt.kind, got)
		}
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b || len(a) != 36 {
		t.Errorf("expected distinct UUIDs, got %s and %s", a, b)
	}
}
