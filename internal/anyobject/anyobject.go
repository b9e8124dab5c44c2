// Package anyobject implements the type-tagged payload holder used to
// hand typed response bodies across component boundaries (Post-Master ->
// user callback). See spec.md §4.C.
//
// The C++ original is a void* with a runtime type tag and an ownership
// flag; per the Design Notes §9 re-architecture directive ("Type-tagged
// void pointer holder") this is re-expressed as a small closed sum type
// instead: a fixed enumeration of the payload shapes the response
// taxonomy can actually produce. There is no void*, no ownership-flag
// overload set, and reading a variant that wasn't written simply reports
// false rather than risking a type-confused read.
package anyobject

// Kind tags which variant an AnyObject currently holds.
type Kind int

const (
	// None means the holder is empty.
	None Kind = iota
	KindLocationInfo
	KindStatInfo
	KindBufferView
	KindStringVector
	KindSIDManagerRef
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case KindLocationInfo:
		return "LocationInfo"
	case KindStatInfo:
		return "StatInfo"
	case KindBufferView:
		return "BufferView"
	case KindStringVector:
		return "StringVector"
	case KindSIDManagerRef:
		return "SIDManagerRef"
	default:
		return "unknown"
	}
}

// LocationInfo is the parsed body of a kXR_locate response.
type LocationInfo struct {
	Locations []string
}

// StatInfo is the parsed body of a kXR_stat response.
type StatInfo struct {
	Size     int64
	Flags    uint32
	ModTime  int64
	IsDir    bool
	Readable bool
	Writable bool
}

// BufferView is a raw response payload (e.g. kXR_read data, or an
// assembled oksofar sequence) handed back verbatim.
type BufferView struct {
	Data []byte
}

// StringVector is a list of strings (e.g. a kXR_dirlist body).
type StringVector struct {
	Values []string
}

// SIDManagerRef is returned by QueryTransport("SIDManager", ...) so a
// façade can allocate a SID on a Stream before sending (spec.md §4.L).
// It holds an opaque handle rather than importing sidmgr directly, to
// avoid the import cycle anyobject<->sidmgr<->transport would otherwise
// create.
type SIDManagerRef struct {
	Manager interface {
		AllocateSID() ([2]byte, error)
	}
}

// AnyObject is the tagged holder. The zero value is an empty holder.
type AnyObject struct {
	kind  Kind
	value any
}

// Empty reports whether the holder carries no value.
func (a *AnyObject) Empty() bool { return a == nil || a.kind == None }

// Kind reports which variant, if any, is held.
func (a *AnyObject) Kind() Kind {
	if a == nil {
		return None
	}
	return a.kind
}

// Clear empties the holder.
func (a *AnyObject) Clear() {
	a.kind = None
	a.value = nil
}

// NewLocationInfo wraps a LocationInfo.
func NewLocationInfo(v LocationInfo) *AnyObject { return &AnyObject{kind: KindLocationInfo, value: v} }

// NewStatInfo wraps a StatInfo.
func NewStatInfo(v StatInfo) *AnyObject { return &AnyObject{kind: KindStatInfo, value: v} }

// NewBufferView wraps a BufferView.
func NewBufferView(v BufferView) *AnyObject { return &AnyObject{kind: KindBufferView, value: v} }

// NewStringVector wraps a StringVector.
func NewStringVector(v StringVector) *AnyObject { return &AnyObject{kind: KindStringVector, value: v} }

// NewSIDManagerRef wraps a SIDManagerRef.
func NewSIDManagerRef(v SIDManagerRef) *AnyObject {
	return &AnyObject{kind: KindSIDManagerRef, value: v}
}

// LocationInfo reads the held value as a LocationInfo. ok is false if the
// holder's tag does not match, mirroring the C++ original's behavior of
// returning nil on a type-tag mismatch rather than reinterpreting memory.
func (a *AnyObject) LocationInfo() (v LocationInfo, ok bool) {
	if a == nil || a.kind != KindLocationInfo {
		return v, false
	}
	return a.value.(LocationInfo), true
}

// StatInfo reads the held value as a StatInfo.
func (a *AnyObject) StatInfo() (v StatInfo, ok bool) {
	if a == nil || a.kind != KindStatInfo {
		return v, false
	}
	return a.value.(StatInfo), true
}

// BufferView reads the held value as a BufferView.
func (a *AnyObject) BufferView() (v BufferView, ok bool) {
	if a == nil || a.kind != KindBufferView {
		return v, false
	}
	return a.value.(BufferView), true
}

// StringVector reads the held value as a StringVector.
func (a *AnyObject) StringVector() (v StringVector, ok bool) {
	if a == nil || a.kind != KindStringVector {
		return v, false
	}
	return a.value.(StringVector), true
}

// SIDManagerRef reads the held value as a SIDManagerRef.
func (a *AnyObject) SIDManagerRef() (v SIDManagerRef, ok bool) {
	if a == nil || a.kind != KindSIDManagerRef {
		return v, false
	}
	return a.value.(SIDManagerRef), true
}
