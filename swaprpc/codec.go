package swaprpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// toMessage copies the go value v into a dynamic message of type desc. The
// json tags of v follow the proto3 json mapping.
func toMessage(desc protoreflect.MessageDescriptor, v any) (*dynamicpb.Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", desc.FullName(), err)
	}
	msg := dynamicpb.NewMessage(desc)
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", desc.FullName(), err)
	}
	return msg, nil
}

// fromMessage copies msg into the go value pointed to by out.
func fromMessage(msg protoreflect.ProtoMessage, out any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	return nil
}
