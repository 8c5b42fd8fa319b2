// Package protoreg builds the protobuf descriptors of the sysinfo RPC service
// from the schema catalog.
package protoreg

import (
	"fmt"
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/sysinfo/internal/schema"
)

// Method pairs an RPC method with the root field it serves.
type Method struct {
	Root       schema.Root
	Descriptor protoreflect.MethodDescriptor
}

// Registry holds the built descriptors.
type Registry struct {
	file     protoreflect.FileDescriptor
	service  protoreflect.ServiceDescriptor
	methods  []Method
	byName   map[string]Method
	messages map[string]protoreflect.MessageDescriptor
}

func (r *Registry) File() protoreflect.FileDescriptor       { return r.file }
func (r *Registry) Service() protoreflect.ServiceDescriptor { return r.service }

// Methods lists methods in catalog order.
func (r *Registry) Methods() []Method { return r.methods }

// Method looks a method up by simple name.
func (r *Registry) Method(name string) (Method, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Message returns the message built for a catalog type.
func (r *Registry) Message(typeName string) protoreflect.MessageDescriptor {
	return r.messages[typeName]
}

type builder struct {
	file     *protobuilder.FileBuilder
	messages map[string]*protobuilder.MessageBuilder
}

// Build creates the sysinfo.v1 file: one message per catalog type reachable
// from the roots, an empty InfoRequest, and the SystemInfo service.
func Build() (*Registry, error) {
	fb := protobuilder.NewFile(FilePath)
	fb.SetPackageName(Package)
	fb.SetSyntax(protoreflect.Proto3)
	b := &builder{file: fb, messages: map[string]*protobuilder.MessageBuilder{}}

	req := protobuilder.NewMessage(requestMessage)
	req.SetComments(comment("Reserved for request options."))
	fb.AddMessage(req)

	svc := protobuilder.NewService(ServiceName)
	svc.SetComments(comment("Coalesced system information queries."))
	fb.AddService(svc)

	for _, root := range schema.Roots() {
		resp := b.message(root.Type)
		mb := protobuilder.NewMethod(
			protoreflect.Name(root.Method),
			protobuilder.RpcTypeMessage(req, false),
			protobuilder.RpcTypeMessage(resp, false),
		)
		mb.SetComments(comment(root.Description))
		svc.AddMethod(mb)
	}

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("protoreg: build %s: %w", FilePath, err)
	}

	reg := &Registry{
		file:     fd,
		service:  fd.Services().ByName(ServiceName),
		byName:   map[string]Method{},
		messages: map[string]protoreflect.MessageDescriptor{},
	}
	for name := range b.messages {
		reg.messages[name] = fd.Messages().ByName(protoreflect.Name(name))
	}
	for _, root := range schema.Roots() {
		m := Method{Root: root, Descriptor: reg.service.Methods().ByName(protoreflect.Name(root.Method))}
		reg.methods = append(reg.methods, m)
		reg.byName[root.Method] = m
	}
	return reg, nil
}

func (b *builder) message(t *schema.Type) *protobuilder.MessageBuilder {
	if mb, ok := b.messages[t.Name]; ok {
		return mb
	}
	mb := protobuilder.NewMessage(protoreflect.Name(t.Name))
	mb.SetComments(comment(t.Description))
	b.messages[t.Name] = mb
	b.file.AddMessage(mb)

	fields := make([]*protobuilder.FieldBuilder, 0, len(t.Fields))
	for _, f := range t.Fields {
		fld := protobuilder.NewField(nameProtoField(f.Name), b.fieldType(f))
		fld.SetComments(comment(f.Description))
		if f.List {
			fld.SetRepeated()
		}
		mb.AddField(fld)
		fields = append(fields, fld)
	}
	allocateFieldNumbers(fields)
	return mb
}

func (b *builder) fieldType(f schema.Field) *protobuilder.FieldType {
	switch f.Scalar {
	case schema.String:
		return protobuilder.FieldTypeScalar(protoreflect.StringKind)
	case schema.Int:
		return protobuilder.FieldTypeScalar(protoreflect.Int32Kind)
	case schema.Uint64:
		return protobuilder.FieldTypeScalar(protoreflect.Uint64Kind)
	case schema.Float:
		return protobuilder.FieldTypeScalar(protoreflect.DoubleKind)
	case schema.Bool:
		return protobuilder.FieldTypeScalar(protoreflect.BoolKind)
	case schema.Object:
		return protobuilder.FieldTypeMessage(b.message(f.Type))
	}
	panic("protoreg: unhandled scalar for field " + f.Name)
}

func comment(desc string) protobuilder.Comments {
	if desc == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}
