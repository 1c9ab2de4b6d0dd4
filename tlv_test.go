package lwm2m

import (
	"bytes"
	"testing"
)

func TestEncodeIntMinimalSize(t *testing.T) {
	cases := []struct {
		v    int64
		want int
	}{
		{0, 1},
		{127, 1},
		{-128, 1},
		{128, 2},
		{-129, 2},
		{32767, 2},
		{32768, 4},
		{2147483647, 4},
		{2147483648, 8},
		{-1, 1},
	}
	for _, tc := range cases {
		got := EncodeInt(tc.v)
		if len(got) != tc.want {
			t.Errorf("EncodeInt(%d) len = %d, want %d", tc.v, len(got), tc.want)
		}
		gotV, err := DecodeInt(got)
		if err != nil {
			t.Fatalf("DecodeInt: %s", err)
		}
		if gotV != tc.v {
			t.Errorf("round trip %d got %d", tc.v, gotV)
		}
	}
}

// S2 from spec.md §8: encode integer 42 under id 1.
func TestEncodeResourceInteger42(t *testing.T) {
	payload, err := EncodeResourceValue(TypeInteger, int64(42))
	if err != nil {
		t.Fatal(err)
	}
	got := EncodeTLV(TLVResourceWithValue, 1, payload)
	want := []byte{0xC1, 0x01, 0x2A}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x want % x", got, want)
	}
}

// S3 from spec.md §8: encode string "hi" under id 0.
func TestEncodeResourceStringHi(t *testing.T) {
	payload, err := EncodeResourceValue(TypeString, "hi")
	if err != nil {
		t.Fatal(err)
	}
	got := EncodeTLV(TLVResourceWithValue, 0, payload)
	want := []byte{0xC8, 0x00, 0x02, 0x68, 0x69}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x want % x", got, want)
	}
}

func TestTLVRoundTripResource(t *testing.T) {
	payload, _ := EncodeResourceValue(TypeString, "value")
	encoded := EncodeTLV(TLVResourceWithValue, 5, payload)
	decoded, err := DecodeTLV(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 1 {
		t.Fatalf("got %d records, want 1", len(decoded))
	}
	got, err := decoded[0].AsBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Errorf("got %q want %q", got, "value")
	}
}

func TestTLVRoundTripArray(t *testing.T) {
	var all []byte
	for i, v := range []int64{1, 2, 3} {
		p, _ := EncodeResourceValue(TypeInteger, v)
		all = append(all, EncodeTLV(TLVResourceWithValue, uint16(i), p)...)
	}
	decoded, err := DecodeTLV(all)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 {
		t.Fatalf("got %d records, want 3", len(decoded))
	}
	for i, tlv := range decoded {
		v, err := tlv.AsInt()
		if err != nil {
			t.Fatal(err)
		}
		if v != int64(i+1) {
			t.Errorf("record %d: got %d want %d", i, v, i+1)
		}
	}
}

func TestMultipleResourcesRoundTrip(t *testing.T) {
	var subs []TLV
	for i, v := range []string{"a", "b"} {
		p, _ := EncodeResourceValue(TypeString, v)
		subs = append(subs, TLV{ID: uint16(i), Payload: p})
	}
	encoded := EncodeMultipleResources(3, subs)
	top, err := DecodeTLV(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].Type != TLVMultipleResources || top[0].ID != 3 {
		t.Fatalf("unexpected top level: %+v", top)
	}
	children, err := DecodeTLV(top[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children want 2", len(children))
	}
	b0, _ := children[0].AsBytes()
	b1, _ := children[1].AsBytes()
	if string(b0) != "a" || string(b1) != "b" {
		t.Errorf("got %q %q want a b", b0, b1)
	}
}

func TestDecodeTLVInvalidLength(t *testing.T) {
	// header claims 16-bit length of 0xFFFF but the slice is much shorter.
	bad := []byte{0xD0, 0x01, 0xFF, 0xFF, 0x00}
	_, err := DecodeTLV(bad)
	if err == nil {
		t.Fatal("expected an error for overflowing declared length")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != KindCodec {
		t.Fatalf("expected a Codec error, got %v", err)
	}
}

func TestAccessorWrongKind(t *testing.T) {
	encoded := EncodeMultipleResources(3, []TLV{{ID: 0, Payload: []byte("x")}})
	decoded, err := DecodeTLV(encoded)
	if err != nil {
		t.Fatal(err)
	}
	_, err = decoded[0].AsInt()
	if err == nil {
		t.Fatal("expected wrong-kind error reading a container as a leaf")
	}
}

func TestObjectLinkEncoding(t *testing.T) {
	b := EncodeObjectLink(12, 34)
	obj, inst, err := DecodeObjectLink(b)
	if err != nil {
		t.Fatal(err)
	}
	if obj != 12 || inst != 34 {
		t.Errorf("got (%d,%d) want (12,34)", obj, inst)
	}
}

func TestBoolEncoding(t *testing.T) {
	if _, err := DecodeBool([]byte{2}); err == nil {
		t.Fatal("expected error for non-0/1 boolean byte")
	}
	b, err := DecodeBool(EncodeBool(true))
	if err != nil || !b {
		t.Fatalf("round trip true failed: %v %v", b, err)
	}
}
