package protoreg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Encode fills a new dynamic message of type md from v. Fields are matched by
// their JSON names, which are the catalog field names.
func Encode(md protoreflect.MessageDescriptor, v any) (*dynamicpb.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("protoreg: encode %s: %w", md.FullName(), err)
	}
	msg := dynamicpb.NewMessage(md)
	if err := setFields(msg, generic); err != nil {
		return nil, fmt.Errorf("protoreg: encode %s: %w", md.FullName(), err)
	}
	return msg, nil
}

// Decode stores msg into out, which must be a pointer to a payload struct.
func Decode(msg protoreflect.Message, out any) error {
	b, err := json.Marshal(toMap(msg))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func setFields(msg protoreflect.Message, m map[string]any) error {
	fields := msg.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		raw, ok := m[fd.JSONName()]
		if !ok || raw == nil {
			continue
		}
		if fd.IsList() {
			items, ok := raw.([]any)
			if !ok {
				return fmt.Errorf("field %s: want list, got %T", fd.Name(), raw)
			}
			list := msg.Mutable(fd).List()
			for _, item := range items {
				if fd.Kind() == protoreflect.MessageKind {
					elem := list.NewElement()
					if err := setMessage(elem.Message(), fd, item); err != nil {
						return err
					}
					list.Append(elem)
					continue
				}
				v, err := scalarValue(fd, item)
				if err != nil {
					return err
				}
				list.Append(v)
			}
			continue
		}
		if fd.Kind() == protoreflect.MessageKind {
			if err := setMessage(msg.Mutable(fd).Message(), fd, raw); err != nil {
				return err
			}
			continue
		}
		v, err := scalarValue(fd, raw)
		if err != nil {
			return err
		}
		msg.Set(fd, v)
	}
	return nil
}

func setMessage(msg protoreflect.Message, fd protoreflect.FieldDescriptor, raw any) error {
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("field %s: want object, got %T", fd.Name(), raw)
	}
	return setFields(msg, m)
}

func scalarValue(fd protoreflect.FieldDescriptor, raw any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		s, ok := raw.(string)
		if !ok {
			break
		}
		return protoreflect.ValueOfString(s), nil
	case protoreflect.BoolKind:
		b, ok := raw.(bool)
		if !ok {
			break
		}
		return protoreflect.ValueOfBool(b), nil
	case protoreflect.Int32Kind:
		if n, ok := raw.(json.Number); ok {
			i, err := strconv.ParseInt(n.String(), 10, 32)
			if err != nil {
				return protoreflect.Value{}, fmt.Errorf("field %s: %w", fd.Name(), err)
			}
			return protoreflect.ValueOfInt32(int32(i)), nil
		}
	case protoreflect.Uint64Kind:
		if n, ok := raw.(json.Number); ok {
			u, err := strconv.ParseUint(n.String(), 10, 64)
			if err != nil {
				return protoreflect.Value{}, fmt.Errorf("field %s: %w", fd.Name(), err)
			}
			return protoreflect.ValueOfUint64(u), nil
		}
	case protoreflect.DoubleKind:
		if n, ok := raw.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return protoreflect.Value{}, fmt.Errorf("field %s: %w", fd.Name(), err)
			}
			return protoreflect.ValueOfFloat64(f), nil
		}
	}
	return protoreflect.Value{}, fmt.Errorf("field %s: cannot store %T as %s", fd.Name(), raw, fd.Kind())
}

// toMap reads every field of msg, including unpopulated ones, keyed by JSON
// name.
func toMap(msg protoreflect.Message) map[string]any {
	fields := msg.Descriptor().Fields()
	out := make(map[string]any, fields.Len())
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		v := msg.Get(fd)
		if fd.IsList() {
			list := v.List()
			items := make([]any, list.Len())
			for j := 0; j < list.Len(); j++ {
				items[j] = fromValue(fd, list.Get(j))
			}
			out[fd.JSONName()] = items
			continue
		}
		out[fd.JSONName()] = fromValue(fd, v)
	}
	return out
}

func fromValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	if fd.Kind() == protoreflect.MessageKind {
		return toMap(v.Message())
	}
	return v.Interface()
}
