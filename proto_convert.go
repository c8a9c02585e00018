package tpmlog

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding selects the wire codec for published documents.
type Encoding string

// Supported encodings.
const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeProto = "application/x-protobuf"
)

// ParseEncoding accepts "json" (default) and "proto"/"protobuf".
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return EncodingJSON, nil
	case "proto", "protobuf":
		return EncodingProto, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

// ContentType returns the HTTP media type of the encoding.
func (e Encoding) ContentType() string {
	if e == EncodingProto {
		return contentTypeProto
	}
	return contentTypeJSON
}

// ToProtoDocument converts a document to a protobuf Struct with the same
// field names as its JSON form.
func ToProtoDocument(d Document) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"Message":    structpb.NewStringValue(d.Message),
		"Timestamp":  structpb.NewNumberValue(d.Timestamp),
		"Count":      structpb.NewNumberValue(float64(d.Count)),
		"PCR":        structpb.NewStringValue(d.PCR),
		"Signature":  structpb.NewStringValue(d.Signature),
		"IsNewChain": structpb.NewBoolValue(d.IsNewChain),
	}
	if d.CanID != nil {
		fields["CanId"] = structpb.NewNumberValue(float64(*d.CanID))
	}
	return &structpb.Struct{Fields: fields}
}

// FromProtoDocument converts a protobuf Struct back to a document.
func FromProtoDocument(s *structpb.Struct) (Document, error) {
	if s == nil {
		return Document{}, fmt.Errorf("nil document")
	}
	f := s.GetFields()
	var d Document
	var err error
	if d.Message, err = stringField(f, "Message"); err != nil {
		return Document{}, err
	}
	if d.PCR, err = stringField(f, "PCR"); err != nil {
		return Document{}, err
	}
	if d.Signature, err = stringField(f, "Signature"); err != nil {
		return Document{}, err
	}
	if v, ok := f["Timestamp"]; ok {
		d.Timestamp = v.GetNumberValue()
	}
	if v, ok := f["Count"]; ok {
		d.Count = int(v.GetNumberValue())
	}
	if v, ok := f["IsNewChain"]; ok {
		d.IsNewChain = v.GetBoolValue()
	}
	if v, ok := f["CanId"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			n := v.GetNumberValue()
			if n != math.Trunc(n) {
				return Document{}, fmt.Errorf("CanId %v is not an integer", n)
			}
			id := int(n)
			d.CanID = &id
		}
	}
	return d, nil
}

func stringField(f map[string]*structpb.Value, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", fmt.Errorf("missing field %s", name)
	}
	if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
		return "", fmt.Errorf("field %s is not a string", name)
	}
	return v.GetStringValue(), nil
}

// EncodeDocument serializes d with enc.
func EncodeDocument(d Document, enc Encoding) ([]byte, error) {
	if enc == EncodingProto {
		data, err := proto.Marshal(ToProtoDocument(d))
		if err != nil {
			return nil, fmt.Errorf("marshal protobuf: %w", err)
		}
		return data, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

// DecodeDocument parses a document written by EncodeDocument.
func DecodeDocument(data []byte, enc Encoding) (Document, error) {
	if enc == EncodingProto {
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return Document{}, fmt.Errorf("unmarshal protobuf: %w", err)
		}
		return FromProtoDocument(&s)
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode json: %w", err)
	}
	return d, nil
}
