package protoreg

import (
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	// Package is the protobuf package of the generated file.
	Package = "sysinfo.v1"
	// ServiceName is the simple name of the generated service.
	ServiceName = "SystemInfo"
	// FilePath is the path of the generated file.
	FilePath = "sysinfo/v1/sysinfo.proto"

	requestMessage = "InfoRequest"
)

func nameProtoField(graphQLName string) protoreflect.Name {
	return protoreflect.Name(snakeCase(graphQLName))
}

// FullMethodName returns the gRPC method path, e.g. /sysinfo.v1.SystemInfo/GetCPU.
func FullMethodName(method string) string {
	return "/" + Package + "." + ServiceName + "/" + method
}

// snakeCase converts camelCase to snake_case.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
