package labels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Node is one value of a parsed JSON document. The concrete types are
// Object, Array, String, Number, Bool and Null.
type Node interface {
	Accept(v Visitor)
}

// Visitor walks a Node tree. Containers hand their children back to the
// visitor through Accept, so a visitor decides how deep to go.
type Visitor interface {
	VisitObject(o Object)
	VisitArray(a Array)
	VisitString(s String)
	VisitNumber(n Number)
	VisitBool(b Bool)
	VisitNull()
}

// Member is one key/value pair of an Object, in document order
type Member struct {
	Key   string
	Value Node
}

type (
	Object []Member
	Array  []Node
	String string
	Number json.Number
	Bool   bool
	Null   struct{}
)

func (o Object) Accept(v Visitor) { v.VisitObject(o) }
func (a Array) Accept(v Visitor)  { v.VisitArray(a) }
func (s String) Accept(v Visitor) { v.VisitString(s) }
func (n Number) Accept(v Visitor) { v.VisitNumber(n) }
func (b Bool) Accept(v Visitor)   { v.VisitBool(b) }
func (Null) Accept(v Visitor)     { v.VisitNull() }

// Parse decodes a JSON document into a Node tree. Numbers keep their
// literal text.
func Parse(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return n, nil
}

// FromValue converts any JSON-marshalable Go value into a Node tree
func FromValue(v any) (Node, error) {
	switch t := v.(type) {
	case Node:
		return t, nil
	case []byte:
		return Parse(t)
	case json.RawMessage:
		return Parse(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Parse(data)
}

func parseValue(dec *json.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := Object{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T, not string", keyTok)
				}
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, Member{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := Array{}
			for dec.More() {
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	default:
		return nil, fmt.Errorf("unexpected token %T", tok)
	}
}
