package protoreg

import (
	"hash/fnv"
	"sort"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	maxTag           = 31767
	reservedTagStart = 19000
	reservedTagEnd   = 19999
)

func allocateFieldNumbers(fields []*protobuilder.FieldBuilder) {
	names := make([]string, len(fields))
	for i, fb := range fields {
		names[i] = string(fb.Name())
	}
	for i, tag := range tagsFor(names) {
		fields[i].SetNumber(protoreflect.FieldNumber(tag))
	}
}

// tagsFor derives tags from names, so adding a field to a catalog type never
// renumbers the existing ones. A tag starts at FNV-32a(name)%maxTag+1 and
// probes upward past collisions and the range reserved by protobuf. Names are
// visited in sorted order to keep collision resolution stable.
func tagsFor(names []string) []int {
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	out := make([]int, len(names))
	used := make(map[int]bool, len(names))
	for _, idx := range order {
		tag := int(fnv32(names[idx])%maxTag) + 1
		for used[tag] || (tag >= reservedTagStart && tag <= reservedTagEnd) {
			tag++
			if tag > maxTag {
				tag = 1
			}
		}
		used[tag] = true
		out[idx] = tag
	}
	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
