package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// MarshalJSON renders v as JSON. Dictionaries emit keys in insertion
// order; byte values emit as base64 strings.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool, KindInt, KindFloat:
		buf.WriteString(v.String())
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBytes:
		b, err := json.Marshal(base64.StdEncoding.EncodeToString(v.raw))
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindDict:
		buf.WriteByte('{')
		first := true
		var encErr error
		v.dict.Range(func(k string, e *Value) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			kb, err := json.Marshal(k)
			if err != nil {
				encErr = err
				return false
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := e.encode(buf); err != nil {
				encErr = err
				return false
			}
			return true
		})
		if encErr != nil {
			return encErr
		}
		buf.WriteByte('}')
	}
	return nil
}

// ParseJSON decodes a JSON document into a Value, preserving the key
// order of every object.
func ParseJSON(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	// Trailing garbage after the document is an error.
	if dec.More() {
		return nil, fmt.Errorf("unexpected trailing data in JSON document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			if i, err := t.Int64(); err == nil {
				return Int(i), nil
			}
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			list := List()
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list.Append(e)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return nil, err
			}
			return list, nil
		case '{':
			d := NewDict()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				d.Set(key, e)
			}
			if _, err := dec.Token(); err != nil { // closing }
				return nil, err
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}
