package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		NewString(1, "stream-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		NewU8(1, 7),
		NewI8(2, -3),
		NewU32(3, 4000000000),
		NewU64(4, 1<<40),
		NewBool(5, true),
		NewString(6, "hello"),
		NewBytes(7, []byte{1, 2}),
		NewNested(8, []Field{NewString(1, "inner")}),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, _ := fields[0].U8(); v != 7 {
		t.Fatalf("u8=%d", v)
	}
	if v, _ := fields[1].I8(); v != -3 {
		t.Fatalf("i8=%d", v)
	}
	if v, _ := fields[2].U32(); v != 4000000000 {
		t.Fatalf("u32=%d", v)
	}
	if v, _ := fields[3].U64(); v != 1<<40 {
		t.Fatalf("u64=%d", v)
	}
	if v, _ := fields[4].Bool(); !v {
		t.Fatalf("bool=false")
	}
	if v, _ := fields[5].Str(); v != "hello" {
		t.Fatalf("string=%q", v)
	}
	if v, _ := fields[6].Bytes(); !bytes.Equal(v, []byte{1, 2}) {
		t.Fatalf("bytes=%v", v)
	}
	inner, err := fields[7].Nested()
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	if s, _ := inner[0].Str(); s != "inner" {
		t.Fatalf("nested string=%q", s)
	}
}

func TestAccessorTypeMismatch(t *testing.T) {
	f := NewString(1, "x")
	if _, err := f.U32(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 2, Type: TypeBool, Value: []byte{2}}
	if _, err := bad.Bool(); err == nil {
		t.Fatalf("expected invalid bool error")
	}
}

func TestGetAllKeepsOrder(t *testing.T) {
	fields := []Field{NewString(4, "a"), NewU8(1, 0), NewString(4, "b")}
	all := GetAll(fields, 4)
	if len(all) != 2 || string(all[0].Value) != "a" || string(all[1].Value) != "b" {
		t.Fatalf("unexpected repeated fields: %+v", all)
	}
}
