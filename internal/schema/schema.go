// Package schema is the field catalog of the information served by sysinfo.
// Both outer surfaces derive from it: Render produces the GraphQL SDL used by
// internal/graphql, and internal/protoreg builds protobuf messages from the
// same types. Field names match the JSON names of the sysinfo payloads.
package schema

// Scalar is the value kind of a field.
type Scalar int

const (
	String Scalar = iota
	Int
	// Uint64 carries byte counts. GraphQL has no 64-bit integer, so it
	// renders as Float there.
	Uint64
	Float
	Bool
	Object
)

// Field is one field of a Type. Object fields reference their Type.
type Field struct {
	Name        string
	Description string
	Scalar      Scalar
	Type        *Type
	List        bool
}

// Type is a named object type.
type Type struct {
	Name        string
	Description string
	Fields      []Field
}

// Field returns the field with the given name.
func (t *Type) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Root is a top-level query field backed by one coordinator.
type Root struct {
	// Field is the GraphQL root field and the hub kind.
	Field string
	// Method is the RPC method name.
	Method      string
	Type        *Type
	Description string
}

var CPUInfo = &Type{
	Name:        "CPUInfo",
	Description: "Processor inventory and utilization.",
	Fields: []Field{
		{Name: "archName", Scalar: String, Description: "Machine architecture as reported by uname."},
		{Name: "modelName", Scalar: String},
		{Name: "numOfProcessors", Scalar: Int},
		{Name: "features", Scalar: String, List: true, Description: "CPU feature flags, sorted."},
		{Name: "usagePercent", Scalar: Float, Description: "Busy share of all processors over the last sample window."},
	},
}

var MemoryInfo = &Type{
	Name:        "MemoryInfo",
	Description: "Physical memory and swap in bytes.",
	Fields: []Field{
		{Name: "capacity", Scalar: Uint64},
		{Name: "availableCapacity", Scalar: Uint64},
		{Name: "swapCapacity", Scalar: Uint64},
	},
}

var StorageUnit = &Type{
	Name:        "StorageUnit",
	Description: "A mounted block-device filesystem.",
	Fields: []Field{
		{Name: "id", Scalar: String, Description: "Stable for a device and mount point pair."},
		{Name: "name", Scalar: String},
		{Name: "mountPoint", Scalar: String},
		{Name: "fsType", Scalar: String},
		{Name: "type", Scalar: String, Description: "fixed, removable or unknown."},
		{Name: "capacity", Scalar: Uint64},
		{Name: "availableCapacity", Scalar: Uint64},
	},
}

var StorageInfo = &Type{
	Name: "StorageInfo",
	Fields: []Field{
		{Name: "units", Scalar: Object, Type: StorageUnit, List: true},
	},
}

// CoordinatorStats mirrors coord.Stats.
var CoordinatorStats = &Type{
	Name:        "CoordinatorStats",
	Description: "Counters of one query coordinator.",
	Fields: []Field{
		{Name: "name", Scalar: String},
		{Name: "state", Scalar: String},
		{Name: "pending", Scalar: Int},
		{Name: "cycles", Scalar: Uint64},
		{Name: "failures", Scalar: Uint64},
		{Name: "delivered", Scalar: Uint64},
	},
}

// Roots lists the coordinator-backed root fields.
func Roots() []Root {
	return []Root{
		{Field: "cpu", Method: "GetCPU", Type: CPUInfo, Description: "Current CPU information."},
		{Field: "memory", Method: "GetMemory", Type: MemoryInfo, Description: "Current memory information."},
		{Field: "storage", Method: "GetStorage", Type: StorageInfo, Description: "Current storage information."},
	}
}

// StatsField is the root field listing coordinator stats.
const StatsField = "stats"

// WatchesField is the root field listing watched storage unit IDs.
const WatchesField = "watches"

// Storage management mutations.
const (
	AddWatchField         = "addWatch"
	RemoveWatchField      = "removeWatch"
	RemoveAllWatchesField = "removeAllWatches"
	EjectDeviceField      = "ejectDevice"
)

// Mutation is a root field of the Mutation type. Arg names its single
// String! argument, if any.
type Mutation struct {
	Field       string
	Arg         string
	Result      string
	Description string
}

// EjectResult enumerates the outcomes of ejectDevice.
var EjectResult = []string{"SUCCESS", "IN_USE", "NO_SUCH_DEVICE", "FAILURE"}

// Mutations lists the storage management operations.
func Mutations() []Mutation {
	return []Mutation{
		{Field: AddWatchField, Arg: "id", Result: "Boolean!", Description: "Watch the available capacity of a storage unit."},
		{Field: RemoveWatchField, Arg: "id", Result: "Boolean!", Description: "Stop watching a storage unit. False if it was not watched."},
		{Field: RemoveAllWatchesField, Result: "Boolean!", Description: "Stop watching every storage unit."},
		{Field: EjectDeviceField, Arg: "id", Result: "EjectResult!", Description: "Unmount a storage unit."},
	}
}

// Types lists every object type in dependency order.
func Types() []*Type {
	return []*Type{CPUInfo, MemoryInfo, StorageUnit, StorageInfo, CoordinatorStats}
}
