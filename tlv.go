package lwm2m

import (
	"encoding/binary"
	"math"
)

// Kind of a TLV record, encoded in the top 2 bits of the header byte.
// See spec.md §3/§4.1.
type TLVType byte

const (
	TLVObjectInstance    TLVType = 0x00
	TLVResourceInstance  TLVType = 0x40
	TLVMultipleResources TLVType = 0x80
	TLVResourceWithValue TLVType = 0xC0
)

// ResourceType is the semantic data type carried by a leaf TLV's payload.
type ResourceType int

const (
	TypeString ResourceType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeOpaque
	TypeTime
	TypeObjectLink
	TypeNone
)

// TLV is one decoded record: a header-described id/length pair plus its
// raw payload. Container records (ObjectInstance, MultipleResources)
// leave Payload as the encoded bytes of their children; callers re-invoke
// DecodeTLV on it to get the nested records.
type TLV struct {
	Type    TLVType
	ID      uint16
	Payload []byte
}

// reservedInstanceID is the invalid/reserved instance id per spec.md §3.
const reservedInstanceID = 0xFFFF

// EncodeInt produces the minimally sized big-endian two's-complement
// encoding of v: the smallest of {1,2,4,8} bytes whose signed range
// covers v. This satisfies spec.md §8 law 2.
func EncodeInt(v int64) []byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return []byte{byte(v)}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b
	}
}

// DecodeInt reads a big-endian signed integer from a 1/2/4/8-byte payload.
func DecodeInt(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, Errorf(KindCodec, "invalid integer length %d", len(b))
	}
}

// EncodeFloat encodes a float64 as an 8-byte IEEE-754 big-endian value,
// per spec.md §3 ("floats are 8 bytes").
func EncodeFloat(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// DecodeFloat reads a 4- or 8-byte big-endian IEEE-754 float.
func DecodeFloat(b []byte) (float64, error) {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, Errorf(KindCodec, "invalid float length %d", len(b))
	}
}

// EncodeBool encodes a boolean as a single byte {0,1}.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool reads a single-byte boolean, rejecting anything but 0 or 1.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, Errorf(KindCodec, "invalid boolean length %d", len(b))
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, Errorf(KindCodec, "invalid boolean value %d", b[0])
	}
}

// EncodeObjectLink encodes (objectID, instanceID) as the 32-bit big-endian
// concatenation described in spec.md §3/§6.
func EncodeObjectLink(objectID, instanceID uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], objectID)
	binary.BigEndian.PutUint16(b[2:4], instanceID)
	return b
}

// DecodeObjectLink reverses EncodeObjectLink.
func DecodeObjectLink(b []byte) (objectID, instanceID uint16, err error) {
	if len(b) != 4 {
		return 0, 0, Errorf(KindCodec, "invalid object link length %d", len(b))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), nil
}

// encodeHeader writes the TLV header+id+length for one record and returns
// those bytes only; the caller appends the payload, per spec.md §4.1.
func encodeHeader(typ TLVType, id uint16, payloadLen int) []byte {
	var header byte = byte(typ)
	if id > 0xFF {
		header |= 0x20 // 16-bit id flag
	}
	var lenBytes []byte
	switch {
	case payloadLen <= 7:
		header |= byte(payloadLen)
	case payloadLen <= 0xFF:
		header |= 0x08
		lenBytes = []byte{byte(payloadLen)}
	case payloadLen <= 0xFFFF:
		header |= 0x10
		lenBytes = []byte{byte(payloadLen >> 8), byte(payloadLen)}
	default:
		header |= 0x18
		lenBytes = []byte{byte(payloadLen >> 16), byte(payloadLen >> 8), byte(payloadLen)}
	}
	out := make([]byte, 0, 1+2+len(lenBytes))
	out = append(out, header)
	if id > 0xFF {
		out = append(out, byte(id>>8), byte(id))
	} else {
		out = append(out, byte(id))
	}
	out = append(out, lenBytes...)
	return out
}

// EncodeTLV encodes one record (leaf or container) with the given payload.
func EncodeTLV(typ TLVType, id uint16, payload []byte) []byte {
	out := encodeHeader(typ, id, len(payload))
	return append(out, payload...)
}

// EncodeMultipleResources encodes each of subInstances as a
// ResourceInstance record (its ID and Payload; its Type is ignored) and
// wraps them in a MultipleResources container under id.
func EncodeMultipleResources(id uint16, subInstances []TLV) []byte {
	var payload []byte
	for _, s := range subInstances {
		payload = append(payload, EncodeTLV(TLVResourceInstance, s.ID, s.Payload)...)
	}
	return EncodeTLV(TLVMultipleResources, id, payload)
}

// EncodeObjectInstanceContainer wraps already-encoded Resource TLVs as the
// payload of an ObjectInstance container, used by Bootstrap Write/Read of
// whole instances (spec.md §4.4).
func EncodeObjectInstanceContainer(instanceID uint16, resourceTLVs [][]byte) []byte {
	var payload []byte
	for _, r := range resourceTLVs {
		payload = append(payload, r...)
	}
	return EncodeTLV(TLVObjectInstance, instanceID, payload)
}

// DecodeTLV decodes a slice into an ordered list of TLV records. Container
// records are returned with Payload set to their undecoded child bytes;
// callers re-invoke DecodeTLV on that slice, per spec.md §4.1.
func DecodeTLV(b []byte) ([]TLV, error) {
	var out []TLV
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, Errorf(KindCodec, "truncated header")
		}
		header := b[0]
		typ := TLVType(header & 0xC0)
		idIs16Bit := header&0x20 != 0
		lenEncoding := (header >> 3) & 0x03
		pos := 1
		var id uint16
		if idIs16Bit {
			if len(b) < pos+2 {
				return nil, Errorf(KindCodec, "invalid length: truncated 16-bit id")
			}
			id = uint16(b[pos])<<8 | uint16(b[pos+1])
			pos += 2
		} else {
			if len(b) < pos+1 {
				return nil, Errorf(KindCodec, "invalid length: truncated 8-bit id")
			}
			id = uint16(b[pos])
			pos++
		}
		var length int
		switch lenEncoding {
		case 0:
			length = int(header & 0x07)
		case 1:
			if len(b) < pos+1 {
				return nil, Errorf(KindCodec, "invalid length: truncated 8-bit length")
			}
			length = int(b[pos])
			pos++
		case 2:
			if len(b) < pos+2 {
				return nil, Errorf(KindCodec, "invalid length: truncated 16-bit length")
			}
			length = int(b[pos])<<8 | int(b[pos+1])
			pos += 2
		case 3:
			if len(b) < pos+3 {
				return nil, Errorf(KindCodec, "invalid length: truncated 24-bit length")
			}
			length = int(b[pos])<<16 | int(b[pos+1])<<8 | int(b[pos+2])
			pos += 3
		}
		if length < 0 || pos+length > len(b) {
			return nil, Errorf(KindCodec, "invalid length: declared length %d overflows slice", length)
		}
		out = append(out, TLV{Type: typ, ID: id, Payload: b[pos : pos+length]})
		b = b[pos+length:]
	}
	return out, nil
}

// AsInt converts a leaf TLV's payload to a signed integer. It returns a
// "wrong kind" Codec error for container records.
func (t TLV) AsInt() (int64, error) {
	if err := t.requireLeaf(); err != nil {
		return 0, err
	}
	return DecodeInt(t.Payload)
}

// AsFloat converts a leaf TLV's payload to a float64.
func (t TLV) AsFloat() (float64, error) {
	if err := t.requireLeaf(); err != nil {
		return 0, err
	}
	return DecodeFloat(t.Payload)
}

// AsBool converts a leaf TLV's payload to a bool.
func (t TLV) AsBool() (bool, error) {
	if err := t.requireLeaf(); err != nil {
		return false, err
	}
	return DecodeBool(t.Payload)
}

// AsObjectLink converts a leaf TLV's payload to an (objectID, instanceID) pair.
func (t TLV) AsObjectLink() (objectID, instanceID uint16, err error) {
	if err := t.requireLeaf(); err != nil {
		return 0, 0, err
	}
	return DecodeObjectLink(t.Payload)
}

// AsBytes returns a leaf TLV's raw payload (string, opaque, or time value).
func (t TLV) AsBytes() ([]byte, error) {
	if err := t.requireLeaf(); err != nil {
		return nil, err
	}
	return t.Payload, nil
}

// IsContainer reports whether t wraps further TLV records (ObjectInstance
// or MultipleResources) rather than a single value.
func (t TLV) IsContainer() bool {
	return t.Type == TLVObjectInstance || t.Type == TLVMultipleResources
}

func (t TLV) requireLeaf() error {
	if t.IsContainer() {
		return Errorf(KindCodec, "wrong kind: TLV id %d is a container, not a leaf", t.ID)
	}
	return nil
}

// EncodeResourceValue encodes a single leaf resource per its ResourceType,
// producing the bytes suitable for use as the Payload of a TLVResourceWithValue
// or TLVResourceInstance record.
func EncodeResourceValue(rt ResourceType, v interface{}) ([]byte, error) {
	switch rt {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, Errorf(KindCodec, "expected string value")
		}
		return []byte(s), nil
	case TypeInteger:
		i, ok := toInt64(v)
		if !ok {
			return nil, Errorf(KindCodec, "expected integer value")
		}
		return EncodeInt(i), nil
	case TypeFloat:
		f, ok := toFloat64(v)
		if !ok {
			return nil, Errorf(KindCodec, "expected float value")
		}
		return EncodeFloat(f), nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, Errorf(KindCodec, "expected boolean value")
		}
		return EncodeBool(b), nil
	case TypeOpaque, TypeTime:
		b, ok := v.([]byte)
		if !ok {
			return nil, Errorf(KindCodec, "expected byte slice value")
		}
		return b, nil
	case TypeObjectLink:
		ol, ok := v.(ObjectLink)
		if !ok {
			return nil, Errorf(KindCodec, "expected object link value")
		}
		return EncodeObjectLink(ol.ObjectID, ol.InstanceID), nil
	default:
		return nil, Errorf(KindCodec, "unsupported resource type %v", rt)
	}
}

// ObjectLink is the value type for TypeObjectLink resources.
type ObjectLink struct {
	ObjectID   uint16
	InstanceID uint16
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint16:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
