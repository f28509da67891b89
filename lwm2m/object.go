// Package lwm2m implements the data-model dispatch layer (C10): recursive
// Read/Write/Execute/Discover/Composite traversal over registered objects,
// using coapmsg response codes and the senml package's SenML-CBOR codec for
// request/response bodies.
package lwm2m

import (
	"fmt"

	"github.com/lobaro/coap-engine/coapmsg"
)

// ResourceKind describes a resource's access mode and cardinality, mirroring
// the bitfield dm_core.c packs into its dm_resource_kind_t.
type ResourceKind uint8

const (
	ResourceReadable ResourceKind = 1 << iota
	ResourceWritable
	ResourceExecutable
	ResourceMultiple // has resource instances (RIID-addressable)
)

func (k ResourceKind) Readable() bool   { return k&ResourceReadable != 0 }
func (k ResourceKind) Writable() bool   { return k&ResourceWritable != 0 }
func (k ResourceKind) Executable() bool { return k&ResourceExecutable != 0 }
func (k ResourceKind) Multiple() bool   { return k&ResourceMultiple != 0 }

// Value is a single resource (instance) value, tagged with its SenML type.
// Exactly the fields matching Type are meaningful — this mirrors
// fluf_res_value_t's tagged union in dm_read.c/dm_write.c.
type Value struct {
	Type ValueType

	Int    int64
	Uint   uint64
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte
}

type ValueType uint8

const (
	ValInt ValueType = iota
	ValUint
	ValDouble
	ValBool
	ValString
	ValBytes
)

// Resource describes one resource slot on an object definition: its ID,
// kind, and (for ResourceMultiple resources) the set of instance IDs
// currently present. A resource absent from Present (object-level reads and
// writes silently skip it) still needs a ResourceDescriptor entry so
// Discover can report it.
type ResourceDescriptor struct {
	RID     uint16
	Kind    ResourceKind
	Present bool // irrelevant when Kind.Multiple(): instance presence governs instead
}

// Handlers is the callback set an Object implements, named directly after
// dm_handlers.c's call sites (list_instances, list_resources,
// list_resource_instances, resource_read, resource_write, resource_execute).
// ResourceRead and ResourceWrite receive riid == InvalidID when the
// resource is single-instance. Every list_* handler must emit IDs in strictly
// ascending order; the Dispatcher enforces this with a panic, matching the spec's
// "programmer error surfaces as INTERNAL_SERVER_ERROR" rule (recovered at
// the top of each Dispatcher entry point, not left to crash the process).
type Handlers struct {
	ListInstances         func() []uint16
	ListResources         func(iid uint16) []ResourceDescriptor
	ListResourceInstances func(iid uint16, rid uint16) []uint16

	ResourceRead    func(iid, rid, riid uint16) (Value, error)
	ResourceWrite   func(iid, rid, riid uint16, v Value) error
	ResourceExecute func(iid, rid uint16) error
}

// Object is one registered LwM2M object definition.
type Object struct {
	OID      uint16
	Version  string // e.g. "1.1"; empty means unversioned
	Handlers Handlers
}

const InvalidID = 0xffff

// assertAscending panics (a programmer error, per spec.md §4.10) if ids is
// not strictly increasing.
func assertAscending(what string, ids []uint16) {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			panic(fmt.Sprintf("lwm2m: %s emitted IDs out of order: %v", what, ids))
		}
	}
}

func (o *Object) instances() []uint16 {
	if o.Handlers.ListInstances == nil {
		return nil
	}
	ids := o.Handlers.ListInstances()
	assertAscending(fmt.Sprintf("object /%d list_instances", o.OID), ids)
	return ids
}

func (o *Object) resources(iid uint16) []ResourceDescriptor {
	if o.Handlers.ListResources == nil {
		return nil
	}
	descs := o.Handlers.ListResources(iid)
	ids := make([]uint16, len(descs))
	for i, d := range descs {
		ids[i] = d.RID
	}
	assertAscending(fmt.Sprintf("object /%d/%d list_resources", o.OID, iid), ids)
	return descs
}

func (o *Object) resourceInstances(iid, rid uint16) []uint16 {
	if o.Handlers.ListResourceInstances == nil {
		return nil
	}
	ids := o.Handlers.ListResourceInstances(iid, rid)
	assertAscending(fmt.Sprintf("object /%d/%d/%d list_resource_instances", o.OID, iid, rid), ids)
	return ids
}

// callRead/callWrite/callExecute mirror dm_handlers.c's "handler not set
// for object" guard: a nil handler is MethodNotAllowed, not a panic.
func (o *Object) callRead(iid, rid, riid uint16) (Value, error) {
	if o.Handlers.ResourceRead == nil {
		return Value{}, dispatchErr(coapmsg.MethodNotAllowed, "object /%d has no resource_read handler", o.OID)
	}
	return o.Handlers.ResourceRead(iid, rid, riid)
}

func (o *Object) callWrite(iid, rid, riid uint16, v Value) error {
	if o.Handlers.ResourceWrite == nil {
		return dispatchErr(coapmsg.MethodNotAllowed, "object /%d has no resource_write handler", o.OID)
	}
	return o.Handlers.ResourceWrite(iid, rid, riid, v)
}

func (o *Object) callExecute(iid, rid uint16) error {
	if o.Handlers.ResourceExecute == nil {
		return dispatchErr(coapmsg.MethodNotAllowed, "object /%d has no resource_execute handler", o.OID)
	}
	return o.Handlers.ResourceExecute(iid, rid)
}

func (o *Object) findResource(iid, rid uint16) (ResourceDescriptor, bool) {
	for _, d := range o.resources(iid) {
		if d.RID == rid {
			return d, true
		}
	}
	return ResourceDescriptor{}, false
}

// Registry holds the set of registered objects a Dispatcher serves.
type Registry struct {
	objects map[uint16]*Object
	order   []uint16
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[uint16]*Object)}
}

func (r *Registry) Register(obj *Object) {
	if _, exists := r.objects[obj.OID]; !exists {
		r.order = append(r.order, obj.OID)
	}
	r.objects[obj.OID] = obj
}

func (r *Registry) get(oid uint16) (*Object, bool) {
	o, ok := r.objects[oid]
	return o, ok
}

// sortedOIDs returns registered OIDs in ascending order, skipping the LwM2M
// Security object (OID 0) from root-level reads per spec.md §4.10 ("every
// non-security object").
func (r *Registry) sortedOIDs(includeSecurity bool) []uint16 {
	ids := append([]uint16(nil), r.order...)
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	if includeSecurity {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}
