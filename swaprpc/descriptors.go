package swaprpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	SwapperService     = "swap.Swapper"
	SwapManagerService = "swap_internal.SwapManager"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBytes
	kindUint32
	kindUint64
	kindBool
	kindMessage
)

type fieldDef struct {
	name string
	// number is the field number on the wire. It must match swapd's proto.
	number   int32
	kind     fieldKind
	repeated bool
	// typeName is the fully qualified message name for kindMessage.
	typeName string
}

type messageDef struct {
	name   string
	fields []fieldDef
}

type methodDef struct {
	name   string
	input  string
	output string
}

type fileDef struct {
	name     string
	pkg      string
	service  string
	messages []messageDef
	methods  []methodDef
}

var swapFile = fileDef{
	name:    "swap.proto",
	pkg:     "swap",
	service: "Swapper",
	messages: []messageDef{
		{name: "SwapParameters", fields: []fieldDef{
			{name: "max_swap_amount_sat", number: 1, kind: kindUint64},
			{name: "min_swap_amount_sat", number: 2, kind: kindUint64},
			{name: "min_utxo_amount_sat", number: 3, kind: kindUint64},
		}},
		{name: "CreateSwapRequest", fields: []fieldDef{
			{name: "hash", number: 1, kind: kindBytes},
			{name: "refund_pubkey", number: 2, kind: kindBytes},
		}},
		{name: "CreateSwapResponse", fields: []fieldDef{
			{name: "address", number: 1, kind: kindString},
			{name: "claim_pubkey", number: 2, kind: kindBytes},
			{name: "lock_time", number: 3, kind: kindUint32},
			{name: "parameters", number: 4, kind: kindMessage, typeName: ".swap.SwapParameters"},
		}},
		{name: "PaySwapRequest", fields: []fieldDef{
			{name: "payment_request", number: 1, kind: kindString},
		}},
		{name: "PaySwapResponse"},
		{name: "RefundSwapRequest", fields: []fieldDef{
			{name: "address", number: 1, kind: kindString},
			{name: "transaction", number: 2, kind: kindBytes},
			{name: "input_index", number: 3, kind: kindUint32},
			{name: "pub_nonce", number: 4, kind: kindBytes},
		}},
		{name: "RefundSwapResponse", fields: []fieldDef{
			{name: "partial_signature", number: 1, kind: kindBytes},
			{name: "pub_nonce", number: 2, kind: kindBytes},
		}},
		{name: "SwapParametersRequest"},
		{name: "SwapParametersResponse", fields: []fieldDef{
			{name: "parameters", number: 1, kind: kindMessage, typeName: ".swap.SwapParameters"},
		}},
	},
	methods: []methodDef{
		{name: "CreateSwap", input: "CreateSwapRequest", output: "CreateSwapResponse"},
		{name: "PaySwap", input: "PaySwapRequest", output: "PaySwapResponse"},
		{name: "RefundSwap", input: "RefundSwapRequest", output: "RefundSwapResponse"},
		{name: "SwapParameters", input: "SwapParametersRequest", output: "SwapParametersResponse"},
	},
}

var swapInternalFile = fileDef{
	name:    "swap_internal.proto",
	pkg:     "swap_internal",
	service: "SwapManager",
	messages: []messageDef{
		{name: "AddAddressFiltersRequest", fields: []fieldDef{
			{name: "addresses", number: 1, kind: kindString, repeated: true},
		}},
		{name: "AddAddressFiltersReply"},
		{name: "GetInfoRequest"},
		{name: "GetInfoReply", fields: []fieldDef{
			{name: "block_height", number: 1, kind: kindUint64},
			{name: "network", number: 2, kind: kindString},
		}},
		{name: "SwapOutput", fields: []fieldDef{
			{name: "outpoint", number: 1, kind: kindString},
			{name: "amount_sat", number: 2, kind: kindUint64},
			{name: "block_hash", number: 3, kind: kindString},
			{name: "block_height", number: 4, kind: kindUint64},
		}},
		{name: "SwapLock", fields: []fieldDef{
			{name: "lock_id", number: 1, kind: kindString},
			{name: "kind", number: 2, kind: kindString},
		}},
		{name: "PaymentAttempt", fields: []fieldDef{
			{name: "label", number: 1, kind: kindString},
			{name: "amount_msat", number: 2, kind: kindUint64},
			{name: "creation_time", number: 3, kind: kindUint64},
			{name: "success", number: 4, kind: kindBool},
			{name: "error", number: 5, kind: kindString},
		}},
		{name: "GetSwapRequest", fields: []fieldDef{
			{name: "address", number: 1, kind: kindString},
		}},
		{name: "GetSwapReply", fields: []fieldDef{
			{name: "address", number: 1, kind: kindString},
			{name: "creation_time", number: 2, kind: kindUint64},
			{name: "payment_hash", number: 3, kind: kindString},
			{name: "outputs", number: 4, kind: kindMessage, repeated: true, typeName: ".swap_internal.SwapOutput"},
			{name: "active_locks", number: 5, kind: kindMessage, repeated: true, typeName: ".swap_internal.SwapLock"},
			{name: "payment_attempts", number: 6, kind: kindMessage, repeated: true, typeName: ".swap_internal.PaymentAttempt"},
		}},
		{name: "StopRequest"},
		{name: "StopReply"},
	},
	methods: []methodDef{
		{name: "AddAddressFilters", input: "AddAddressFiltersRequest", output: "AddAddressFiltersReply"},
		{name: "GetInfo", input: "GetInfoRequest", output: "GetInfoReply"},
		{name: "GetSwap", input: "GetSwapRequest", output: "GetSwapReply"},
		{name: "Stop", input: "StopRequest", output: "StopReply"},
	},
}

var fieldTypes = map[fieldKind]descriptorpb.FieldDescriptorProto_Type{
	kindString:  descriptorpb.FieldDescriptorProto_TYPE_STRING,
	kindBytes:   descriptorpb.FieldDescriptorProto_TYPE_BYTES,
	kindUint32:  descriptorpb.FieldDescriptorProto_TYPE_UINT32,
	kindUint64:  descriptorpb.FieldDescriptorProto_TYPE_UINT64,
	kindBool:    descriptorpb.FieldDescriptorProto_TYPE_BOOL,
	kindMessage: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
}

// toProto renders the definition as a proto3 file descriptor.
func (f fileDef) toProto() (*descriptorpb.FileDescriptorProto, error) {
	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(f.name),
		Package: proto.String(f.pkg),
		Syntax:  proto.String("proto3"),
	}

	for _, m := range f.messages {
		md := &descriptorpb.DescriptorProto{Name: proto.String(m.name)}
		seen := make(map[int32]string)
		for _, field := range m.fields {
			if field.number <= 0 {
				return nil, fmt.Errorf("%s.%s: missing field number", m.name, field.name)
			}
			if other, ok := seen[field.number]; ok {
				return nil, fmt.Errorf("%s.%s: field number %d already used by %s", m.name, field.name, field.number, other)
			}
			seen[field.number] = field.name
			label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
			if field.repeated {
				label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
			}
			fdp := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(field.name),
				Number: proto.Int32(field.number),
				Label:  label.Enum(),
				Type:   fieldTypes[field.kind].Enum(),
			}
			if field.kind == kindMessage {
				fdp.TypeName = proto.String(field.typeName)
			}
			md.Field = append(md.Field, fdp)
		}
		fd.MessageType = append(fd.MessageType, md)
	}

	sd := &descriptorpb.ServiceDescriptorProto{Name: proto.String(f.service)}
	for _, m := range f.methods {
		sd.Method = append(sd.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.name),
			InputType:  proto.String(fmt.Sprintf(".%s.%s", f.pkg, m.input)),
			OutputType: proto.String(fmt.Sprintf(".%s.%s", f.pkg, m.output)),
		})
	}
	fd.Service = append(fd.Service, sd)
	return fd, nil
}

var (
	swapDescriptor         protoreflect.FileDescriptor
	swapInternalDescriptor protoreflect.FileDescriptor
)

func init() {
	files := new(protoregistry.Files)
	for _, def := range []struct {
		f   fileDef
		out *protoreflect.FileDescriptor
	}{
		{swapFile, &swapDescriptor},
		{swapInternalFile, &swapInternalDescriptor},
	} {
		fdp, err := def.f.toProto()
		if err != nil {
			panic(fmt.Sprintf("building %s: %v", def.f.name, err))
		}
		fd, err := protodesc.NewFile(fdp, files)
		if err != nil {
			panic(fmt.Sprintf("building %s: %v", def.f.name, err))
		}
		if err := files.RegisterFile(fd); err != nil {
			panic(fmt.Sprintf("registering %s: %v", def.f.name, err))
		}
		*def.out = fd
	}
}

// methodDescriptor looks up a method of the given fully qualified service.
func methodDescriptor(service, method string) (protoreflect.MethodDescriptor, error) {
	var fd protoreflect.FileDescriptor
	switch service {
	case SwapperService:
		fd = swapDescriptor
	case SwapManagerService:
		fd = swapInternalDescriptor
	default:
		return nil, fmt.Errorf("unknown service %s", service)
	}

	sd := fd.Services().ByName(protoreflect.FullName(service).Name())
	if sd == nil {
		return nil, fmt.Errorf("unknown service %s", service)
	}
	md := sd.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, fmt.Errorf("unknown method %s/%s", service, method)
	}
	return md, nil
}

// FullMethod returns the grpc method path.
func FullMethod(service, method string) string {
	return fmt.Sprintf("/%s/%s", service, method)
}
