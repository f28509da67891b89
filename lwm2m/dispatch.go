package lwm2m

import (
	"errors"
	"fmt"

	"github.com/lobaro/coap-engine/coapmsg"
	"github.com/lobaro/coap-engine/senml"
)

var errTooDeep = errors.New("lwm2m: path has more than 4 segments")

// DispatchError carries a CoAP response code back to the binding layer,
// matching dm_core.c's convention of returning FLUF_COAP_CODE_* directly
// from every dispatch function instead of a separate error taxonomy.
type DispatchError struct {
	Code coapmsg.Code
	Msg  string
}

func (e *DispatchError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("lwm2m: %s (%s)", e.Msg, e.Code)
	}
	return fmt.Sprintf("lwm2m: %s", e.Code)
}

func dispatchErr(code coapmsg.Code, format string, args ...interface{}) error {
	return &DispatchError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Dispatcher routes CoAP Read/Write/Execute/Discover/Composite operations
// onto a Registry of objects, the Go counterpart of dm_core.c's dm_t plus
// dm_read.c/dm_write.c/dm_execute.c's per-operation entry points.
type Dispatcher struct {
	Registry *Registry

	// DiscoverDefaultDepth is used when a Discover request doesn't specify
	// its own depth; spec.md §4.10 default is 1, clamped to RIID (4).
	DiscoverDefaultDepth int
}

func NewDispatcher(r *Registry) *Dispatcher {
	return &Dispatcher{Registry: r, DiscoverDefaultDepth: 1}
}

// recoverProgrammerError turns the ascending-ID-violation panic raised by
// object.go's assertAscending into the spec's INTERNAL_SERVER_ERROR
// response rather than letting it escape Dispatch and crash the caller.
func recoverProgrammerError(errOut *error) {
	if r := recover(); r != nil {
		*errOut = dispatchErr(coapmsg.InternalServerError, "%v", r)
	}
}

// Read recursively enumerates the tree under path per spec.md §4.10: root
// visits every non-Security object, OID every instance, IID every
// readable+present resource, RID the resource (or all its instances for a
// multi-resource), RIID just that instance.
func (d *Dispatcher) Read(path Path) (entries []senml.Entry, err error) {
	defer recoverProgrammerError(&err)
	enc := senml.NewEncoder()
	if err := d.read(path, enc); err != nil {
		return nil, err
	}
	data := enc.Encode()
	return decodeAllOrPanic(data), nil
}

// decodeAllOrPanic re-decodes what this package's own Encoder just produced;
// it cannot fail on well-formed output, so any error here is a programming
// bug in the encoder, not a caller-facing condition.
func decodeAllOrPanic(data []byte) []senml.Entry {
	dec := senml.NewDecoder()
	if err := dec.Feed(data, true); err != nil {
		panic(err)
	}
	out, err := collectEntries(dec)
	if err != nil {
		panic(err)
	}
	return out
}

// collectEntries drains dec to completion, resolving every numeric
// disambiguation request with the first type the value accepts. A
// STRING or BYTES value the decoder streams as multiple chunks (see
// senml.Entry's doc comment) is reassembled here into one whole Entry
// before being appended — callers of collectEntries want complete
// per-record values, not a raw chunk stream.
func collectEntries(dec *senml.Decoder) ([]senml.Entry, error) {
	var out []senml.Entry
	var pending *senml.Entry // value under reassembly, nil when idle
	want := senml.TypeAny
	for {
		status, entry, mask, err := dec.Next(want)
		if err != nil {
			return nil, err
		}
		switch status {
		case senml.StatusEOF:
			return out, nil
		case senml.StatusWantTypeDisambiguation:
			switch {
			case mask&senml.TypeMask(senml.TypeInt) != 0:
				want = senml.TypeMask(senml.TypeInt)
			case mask&senml.TypeMask(senml.TypeDouble) != 0:
				want = senml.TypeMask(senml.TypeDouble)
			default:
				want = senml.TypeMask(senml.TypeUint)
			}
		default:
			want = senml.TypeAny
			if entry.Type != senml.TypeString && entry.Type != senml.TypeBytes {
				out = append(out, *entry)
				continue
			}
			if pending == nil {
				if entry.FullLengthHint == entry.ChunkLength {
					// Delivered whole in one call (the common, definite-
					// length case, including an empty value).
					out = append(out, *entry)
					continue
				}
				cp := *entry
				pending = &cp
				continue
			}
			pending.Str += entry.Str
			pending.Bytes = append(pending.Bytes, entry.Bytes...)
			if entry.FullLengthHint != 0 {
				pending.ChunkLength = entry.FullLengthHint
				pending.FullLengthHint = entry.FullLengthHint
				out = append(out, *pending)
				pending = nil
			}
		}
	}
}

func (d *Dispatcher) read(path Path, enc *senml.Encoder) error {
	switch path.Depth() {
	case 0:
		for _, oid := range d.Registry.sortedOIDs(false) {
			if err := d.readObject(oid, enc); err != nil {
				return err
			}
		}
		return nil
	case 1:
		return d.readObject(path.OID, enc)
	case 2:
		return d.readInstance(path.OID, path.IID, enc)
	case 3:
		return d.readResource(path.OID, path.IID, path.RID, enc)
	default:
		return d.readResourceInstance(path.OID, path.IID, path.RID, path.RIID, enc)
	}
}

func (d *Dispatcher) object(oid uint16) (*Object, error) {
	obj, ok := d.Registry.get(oid)
	if !ok {
		return nil, dispatchErr(coapmsg.NotFound, "object /%d not registered", oid)
	}
	return obj, nil
}

func (d *Dispatcher) readObject(oid uint16, enc *senml.Encoder) error {
	obj, err := d.object(oid)
	if err != nil {
		return err
	}
	for _, iid := range obj.instances() {
		if err := d.readInstanceObj(obj, iid, enc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) readInstance(oid, iid uint16, enc *senml.Encoder) error {
	obj, err := d.object(oid)
	if err != nil {
		return err
	}
	if !instancePresent(obj, iid) {
		return dispatchErr(coapmsg.NotFound, "instance /%d/%d not present", oid, iid)
	}
	return d.readInstanceObj(obj, iid, enc)
}

func (d *Dispatcher) readInstanceObj(obj *Object, iid uint16, enc *senml.Encoder) error {
	for _, desc := range obj.resources(iid) {
		if !desc.Kind.Readable() || (!desc.Kind.Multiple() && !desc.Present) {
			continue // object-level reads silently skip absent/unreadable resources
		}
		if err := d.readResourceObj(obj, iid, desc, enc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) readResource(oid, iid, rid uint16, enc *senml.Encoder) error {
	obj, err := d.object(oid)
	if err != nil {
		return err
	}
	if !instancePresent(obj, iid) {
		return dispatchErr(coapmsg.NotFound, "instance /%d/%d not present", oid, iid)
	}
	desc, ok := obj.findResource(iid, rid)
	if !ok {
		return dispatchErr(coapmsg.NotFound, "resource /%d/%d/%d not present", oid, iid, rid)
	}
	if !desc.Kind.Readable() {
		return dispatchErr(coapmsg.MethodNotAllowed, "resource /%d/%d/%d not readable", oid, iid, rid)
	}
	if !desc.Kind.Multiple() && !desc.Present {
		return dispatchErr(coapmsg.NotFound, "resource /%d/%d/%d not present", oid, iid, rid)
	}
	return d.readResourceObj(obj, iid, desc, enc)
}

func (d *Dispatcher) readResourceObj(obj *Object, iid uint16, desc ResourceDescriptor, enc *senml.Encoder) error {
	if !desc.Kind.Multiple() {
		v, err := obj.callRead(iid, desc.RID, InvalidID)
		if err != nil {
			return err
		}
		emit(enc, ResourceInstancePath(obj.OID, iid, desc.RID, InvalidID), v)
		return nil
	}
	for _, riid := range obj.resourceInstances(iid, desc.RID) {
		v, err := obj.callRead(iid, desc.RID, riid)
		if err != nil {
			return err
		}
		emit(enc, ResourceInstancePath(obj.OID, iid, desc.RID, riid), v)
	}
	return nil
}

func (d *Dispatcher) readResourceInstance(oid, iid, rid, riid uint16, enc *senml.Encoder) error {
	obj, err := d.object(oid)
	if err != nil {
		return err
	}
	desc, ok := obj.findResource(iid, rid)
	if !ok {
		return dispatchErr(coapmsg.NotFound, "resource /%d/%d/%d not present", oid, iid, rid)
	}
	if !desc.Kind.Multiple() {
		return dispatchErr(coapmsg.MethodNotAllowed, "resource /%d/%d/%d is not multi-instance", oid, iid, rid)
	}
	if !desc.Kind.Readable() {
		return dispatchErr(coapmsg.MethodNotAllowed, "resource /%d/%d/%d not readable", oid, iid, rid)
	}
	found := false
	for _, id := range obj.resourceInstances(iid, rid) {
		if id == riid {
			found = true
			break
		}
	}
	if !found {
		return dispatchErr(coapmsg.NotFound, "resource instance /%d/%d/%d/%d not present", oid, iid, rid, riid)
	}
	v, err := obj.callRead(iid, rid, riid)
	if err != nil {
		return err
	}
	emit(enc, ResourceInstancePath(oid, iid, rid, riid), v)
	return nil
}

func instancePresent(obj *Object, iid uint16) bool {
	for _, id := range obj.instances() {
		if id == iid {
			return true
		}
	}
	return false
}

func emit(enc *senml.Encoder, p Path, v Value) {
	sp := senml.Path(p.segments())
	switch v.Type {
	case ValInt:
		enc.AddInt(sp, v.Int)
	case ValUint:
		enc.AddUint(sp, v.Uint)
	case ValDouble:
		enc.AddDouble(sp, v.Double)
	case ValBool:
		enc.AddBool(sp, v.Bool)
	case ValString:
		enc.AddString(sp, v.Str)
	case ValBytes:
		enc.AddBytes(sp, v.Bytes)
	}
}

func valueFromEntry(e senml.Entry) Value {
	switch e.Type {
	case senml.TypeInt:
		return Value{Type: ValInt, Int: e.Int}
	case senml.TypeUint:
		return Value{Type: ValUint, Uint: e.Uint}
	case senml.TypeDouble:
		return Value{Type: ValDouble, Double: e.Double}
	case senml.TypeBool:
		return Value{Type: ValBool, Bool: e.Bool}
	case senml.TypeString:
		return Value{Type: ValString, Str: e.Str}
	default:
		return Value{Type: ValBytes, Bytes: e.Bytes}
	}
}

// Write decodes body as SenML-CBOR and applies each record to the resource
// its path names, relative to basePath (the request URI). Resources the
// object doesn't expose as writable or present at object-level scope are
// silently skipped, per spec.md §4.10; a record addressing a resource
// outside basePath's subtree is a hard format error.
func (d *Dispatcher) Write(basePath Path, body []byte) (err error) {
	defer recoverProgrammerError(&err)
	entries, err := decodeBody(body)
	if err != nil {
		return dispatchErr(coapmsg.BadRequest, "%v", err)
	}
	for _, e := range entries {
		p, perr := PathFromSegments([]uint16(e.Path))
		if perr != nil {
			return dispatchErr(coapmsg.BadRequest, "%v", perr)
		}
		if !pathWithin(basePath, p) {
			return dispatchErr(coapmsg.BadRequest, "record path %v outside request path", p.segments())
		}
		if err := d.writeOne(p, valueFromEntry(e), basePath.Depth() <= 2); err != nil {
			return err
		}
	}
	return nil
}

func pathWithin(base, p Path) bool {
	bs, ps := base.segments(), p.segments()
	if len(ps) < len(bs) {
		return false
	}
	for i, v := range bs {
		if ps[i] != v {
			return false
		}
	}
	return true
}

func decodeBody(body []byte) ([]senml.Entry, error) {
	dec := senml.NewDecoder()
	if err := dec.Feed(body, true); err != nil {
		return nil, err
	}
	return collectEntries(dec)
}

// writeOne applies v to the single resource (instance) at p. objectLevel is
// true when the enclosing Write targeted the whole instance or object
// (root/OID/IID depth 0-2), which is when absent-optional resources are
// silently skipped rather than erroring.
func (d *Dispatcher) writeOne(p Path, v Value, objectLevel bool) error {
	obj, err := d.object(p.OID)
	if err != nil {
		return err
	}
	if !p.HasRID() {
		return dispatchErr(coapmsg.BadRequest, "write record must address a resource")
	}
	desc, ok := obj.findResource(p.IID, p.RID)
	if !ok {
		if objectLevel {
			return nil
		}
		return dispatchErr(coapmsg.NotFound, "resource %v not present", p.segments())
	}
	if objectLevel && !desc.Kind.Multiple() && !desc.Present {
		return nil
	}
	if !desc.Kind.Writable() {
		if objectLevel {
			return nil
		}
		return dispatchErr(coapmsg.MethodNotAllowed, "resource %v not writable", p.segments())
	}
	if p.HasRIID() && !desc.Kind.Multiple() {
		return dispatchErr(coapmsg.MethodNotAllowed, "resource %v is not multi-instance", p.segments())
	}
	riid := p.RIID
	return obj.callWrite(p.IID, p.RID, riid, v)
}

// Execute invokes the executable resource at path, which must address a
// resource exactly (spec.md §4.10: "Execute requires a resource-level path
// pointing to an executable resource").
func (d *Dispatcher) Execute(path Path) (err error) {
	defer recoverProgrammerError(&err)
	if path.Depth() != 3 {
		return dispatchErr(coapmsg.MethodNotAllowed, "execute requires a resource-level path")
	}
	obj, err := d.object(path.OID)
	if err != nil {
		return err
	}
	desc, ok := obj.findResource(path.IID, path.RID)
	if !ok {
		return dispatchErr(coapmsg.NotFound, "resource %v not present", path.segments())
	}
	if !desc.Kind.Executable() {
		return dispatchErr(coapmsg.MethodNotAllowed, "resource %v not executable", path.segments())
	}
	return obj.callExecute(path.IID, path.RID)
}

// DiscoverNode is one entry of a Discover response's tree.
type DiscoverNode struct {
	Path     Path
	Children []DiscoverNode
}

// Discover emits the tree rooted at path down to depth levels below it
// (spec.md §4.10: default 1, clamped to RIID).
func (d *Dispatcher) Discover(path Path, depth int) (node DiscoverNode, err error) {
	defer recoverProgrammerError(&err)
	if depth <= 0 {
		depth = d.DiscoverDefaultDepth
	}
	maxDepth := 4 - path.Depth()
	if depth > maxDepth {
		depth = maxDepth
	}
	return d.discover(path, depth)
}

func (d *Dispatcher) discover(path Path, depth int) (DiscoverNode, error) {
	node := DiscoverNode{Path: path}
	if depth <= 0 {
		return node, nil
	}
	switch path.Depth() {
	case 0:
		for _, oid := range d.Registry.sortedOIDs(false) {
			child, err := d.discover(ObjectPath(oid), depth-1)
			if err != nil {
				return node, err
			}
			node.Children = append(node.Children, child)
		}
	case 1:
		obj, err := d.object(path.OID)
		if err != nil {
			return node, err
		}
		for _, iid := range obj.instances() {
			child, err := d.discover(InstancePath(path.OID, iid), depth-1)
			if err != nil {
				return node, err
			}
			node.Children = append(node.Children, child)
		}
	case 2:
		obj, err := d.object(path.OID)
		if err != nil {
			return node, err
		}
		for _, desc := range obj.resources(path.IID) {
			child, err := d.discover(ResourcePath(path.OID, path.IID, desc.RID), depth-1)
			if err != nil {
				return node, err
			}
			node.Children = append(node.Children, child)
		}
	case 3:
		obj, err := d.object(path.OID)
		if err != nil {
			return node, err
		}
		desc, ok := obj.findResource(path.IID, path.RID)
		if ok && desc.Kind.Multiple() {
			for _, riid := range obj.resourceInstances(path.IID, path.RID) {
				node.Children = append(node.Children, DiscoverNode{
					Path: ResourceInstancePath(path.OID, path.IID, path.RID, riid),
				})
			}
		}
	}
	return node, nil
}

// CompositeRead runs Read independently over each path in paths, collecting
// every record into one response; a failing path contributes nothing (no
// error record in the body — mirrors dm_read.c's per-entry skip, since
// SenML-CBOR has no slot-level error marker) rather than aborting siblings.
func (d *Dispatcher) CompositeRead(paths []Path) (entries []senml.Entry, err error) {
	defer recoverProgrammerError(&err)
	enc := senml.NewEncoder()
	for _, p := range paths {
		if err := d.read(p, enc); err != nil {
			continue
		}
	}
	return decodeAllOrPanic(enc.Encode()), nil
}

// CompositeWrite decodes body as a flat list of (path, value) SenML records
// and applies each independently, collecting per-record errors rather than
// aborting the whole batch (dm_write.c's composite-write accumulation
// discipline). It returns the first error only if every record failed;
// partial success is not surfaced as an error.
func (d *Dispatcher) CompositeWrite(body []byte) (err error) {
	defer recoverProgrammerError(&err)
	entries, err := decodeBody(body)
	if err != nil {
		return dispatchErr(coapmsg.BadRequest, "%v", err)
	}
	if len(entries) == 0 {
		return dispatchErr(coapmsg.BadRequest, "composite write body has no records")
	}
	var firstErr error
	succeeded := 0
	for _, e := range entries {
		p, perr := PathFromSegments([]uint16(e.Path))
		if perr != nil {
			if firstErr == nil {
				firstErr = dispatchErr(coapmsg.BadRequest, "%v", perr)
			}
			continue
		}
		if werr := d.writeOne(p, valueFromEntry(e), false); werr != nil {
			if firstErr == nil {
				firstErr = werr
			}
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return firstErr
	}
	return nil
}
