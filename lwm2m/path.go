package lwm2m

// Path is a 0-4 segment LwM2M URI path: OID, IID, RID, RIID, each either a
// concrete ID or InvalidID when that level isn't addressed. A shorter path
// always has InvalidID in its trailing segments.
type Path struct {
	OID, IID, RID, RIID uint16
}

func RootPath() Path { return Path{InvalidID, InvalidID, InvalidID, InvalidID} }

func ObjectPath(oid uint16) Path { return Path{oid, InvalidID, InvalidID, InvalidID} }

func InstancePath(oid, iid uint16) Path { return Path{oid, iid, InvalidID, InvalidID} }

func ResourcePath(oid, iid, rid uint16) Path { return Path{oid, iid, rid, InvalidID} }

func ResourceInstancePath(oid, iid, rid, riid uint16) Path { return Path{oid, iid, rid, riid} }

func (p Path) HasOID() bool  { return p.OID != InvalidID }
func (p Path) HasIID() bool  { return p.IID != InvalidID }
func (p Path) HasRID() bool  { return p.RID != InvalidID }
func (p Path) HasRIID() bool { return p.RIID != InvalidID }

// Depth returns how many segments are set: 0 (root) through 4 (RIID).
func (p Path) Depth() int {
	switch {
	case p.HasRIID():
		return 4
	case p.HasRID():
		return 3
	case p.HasIID():
		return 2
	case p.HasOID():
		return 1
	default:
		return 0
	}
}

func (p Path) segments() []uint16 {
	switch p.Depth() {
	case 0:
		return nil
	case 1:
		return []uint16{p.OID}
	case 2:
		return []uint16{p.OID, p.IID}
	case 3:
		return []uint16{p.OID, p.IID, p.RID}
	default:
		return []uint16{p.OID, p.IID, p.RID, p.RIID}
	}
}

// PathFromSegments builds a Path from 0-4 ascending-addressed numeric IDs,
// the same shape senml.Path.String() produces for a Write request body.
func PathFromSegments(segs []uint16) (Path, error) {
	if len(segs) > 4 {
		return Path{}, errTooDeep
	}
	p := RootPath()
	if len(segs) > 0 {
		p.OID = segs[0]
	}
	if len(segs) > 1 {
		p.IID = segs[1]
	}
	if len(segs) > 2 {
		p.RID = segs[2]
	}
	if len(segs) > 3 {
		p.RIID = segs[3]
	}
	return p, nil
}
