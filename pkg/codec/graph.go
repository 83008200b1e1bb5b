package codec

import (
	"encoding"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

type kind uint8

const (
	kindNil kind = iota
	kindBool
	kindInt
	kindUint
	kindFloat
	kindString
	kindBytes
	kindSeq
	kindStruct
	kindMap
	kindRef
	kindIface
	kindSlice
)

// node is the serialized form of one value. Pointers, slices and maps never
// appear inline: they are kindRef or kindSlice nodes pointing into
// graph.Objects, which is what lets shared and cyclic structures come back
// with the same shape.
//
// A kindRef node addresses Path inside object Ref. A kindSlice node addresses
// the array at Path inside object Ref and re-slices it as [At:At+Len:At+Cap].
type node struct {
	K     kind     `codec:"k"`
	B     bool     `codec:"b,omitempty"`
	I     int64    `codec:"i,omitempty"`
	U     uint64   `codec:"u,omitempty"`
	F     float64  `codec:"f,omitempty"`
	S     string   `codec:"s,omitempty"`
	Raw   []byte   `codec:"r,omitempty"`
	Ref   uint32   `codec:"o,omitempty"`
	Path  []int    `codec:"p,omitempty"`
	At    int      `codec:"a,omitempty"`
	Len   int      `codec:"l,omitempty"`
	Cap   int      `codec:"c,omitempty"`
	Names []string `codec:"n,omitempty"`
	Elems []node   `codec:"e,omitempty"`
}

type graph struct {
	Root    node   `codec:"root"`
	Objects []node `codec:"objs,omitempty"`
}

var (
	binaryMarshalerType   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshalerType = reflect.TypeFor[encoding.BinaryUnmarshaler]()
)

// isBinary reports whether t round trips through MarshalBinary and
// UnmarshalBinary (time.Time, for instance, has no exported fields).
func isBinary(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface {
		return false
	}
	pt := reflect.PointerTo(t)
	return (t.Implements(binaryMarshalerType) || pt.Implements(binaryMarshalerType)) &&
		pt.Implements(binaryUnmarshalerType)
}

// hasAddress reports whether the memory behind v can be told apart from other
// memory. Zero-sized values and empty backing arrays cannot.
func hasAddress(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer:
		return v.Type().Elem().Size() > 0
	case reflect.Slice:
		return v.Cap() > 0 && v.Type().Elem().Size() > 0
	}
	return false
}

type identity struct {
	addr uintptr
	typ  reflect.Type
}

// region is the memory one pointer or one slice refers to. n is the slice
// capacity, or -1 for a pointee.
type region struct {
	addr  uintptr
	size  uintptr
	typ   reflect.Type
	n     int
	value reflect.Value

	block *block
	path  []int
	at    int
}

type regionKey struct {
	addr uintptr
	typ  reflect.Type
	n    int
}

func keyOf(v reflect.Value) regionKey {
	if v.Kind() == reflect.Slice {
		return regionKey{addr: v.Pointer(), typ: v.Type().Elem(), n: v.Cap()}
	}
	return regionKey{addr: v.Pointer(), typ: v.Type().Elem(), n: -1}
}

func (r *region) blockType() reflect.Type {
	if r.n < 0 {
		return r.typ
	}
	return reflect.ArrayOf(r.n, r.typ)
}

// block is one allocation of the decoded graph: either the largest region of
// a group of overlapping regions, or an array spanning overlapping slices
// that no single slice covers.
type block struct {
	ref     uint32
	typ     reflect.Type
	root    *region
	members []*region
}

type graphEncoder struct {
	reg     *Registry
	regions map[regionKey]*region
	visited map[identity]bool
	seen    map[identity]uint32
	objects []node
}

func encodeGraph(reg *Registry, v reflect.Value) (*graph, error) {
	e := &graphEncoder{
		reg:     reg,
		regions: make(map[regionKey]*region),
		visited: make(map[identity]bool),
		seen:    make(map[identity]uint32),
	}
	e.discover(v)
	if err := e.layout(); err != nil {
		return nil, err
	}
	root, err := e.value(v)
	if err != nil {
		return nil, err
	}
	return &graph{Root: root, Objects: e.objects}, nil
}

// discover records every region reachable from v.
func (e *graphEncoder) discover(v reflect.Value) {
	if !v.IsValid() || isBinary(v.Type()) {
		return
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		if !hasAddress(v) {
			e.discover(v.Elem())
			return
		}
		k := keyOf(v)
		if _, ok := e.regions[k]; ok {
			return
		}
		e.regions[k] = &region{addr: k.addr, size: k.typ.Size(), typ: k.typ, n: -1, value: v.Elem()}
		e.discover(v.Elem())

	case reflect.Slice:
		if v.IsNil() || !hasAddress(v) {
			return
		}
		k := keyOf(v)
		if _, ok := e.regions[k]; ok {
			return
		}
		full := v.Slice3(0, v.Cap(), v.Cap())
		e.regions[k] = &region{addr: k.addr, size: uintptr(k.n) * k.typ.Size(), typ: k.typ, n: k.n, value: full}
		if k.typ.Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < full.Len(); i++ {
			e.discover(full.Index(i))
		}

	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			e.discover(v.Index(i))
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				e.discover(v.Field(i))
			}
		}

	case reflect.Map:
		if v.IsNil() {
			return
		}
		id := identity{addr: v.Pointer(), typ: v.Type()}
		if e.visited[id] {
			return
		}
		e.visited[id] = true
		iter := v.MapRange()
		for iter.Next() {
			e.discover(iter.Key())
			e.discover(iter.Value())
		}

	case reflect.Interface:
		if !v.IsNil() {
			e.discover(v.Elem())
		}
	}
}

// layout groups overlapping regions into blocks and places every region
// inside its block.
func (e *graphEncoder) layout() error {
	regs := make([]*region, 0, len(e.regions))
	for _, r := range e.regions {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b *region) int {
		switch {
		case a.addr != b.addr:
			return cmpUintptr(a.addr, b.addr)
		case a.size != b.size:
			return cmpUintptr(b.size, a.size)
		case a.n != b.n:
			return b.n - a.n
		}
		return strings.Compare(a.typ.String(), b.typ.String())
	})

	for i := 0; i < len(regs); {
		start, end := regs[i].addr, regs[i].addr+regs[i].size
		j := i + 1
		for j < len(regs) && regs[j].addr < end {
			end = max(end, regs[j].addr+regs[j].size)
			j++
		}
		if err := e.group(regs[i:j], start, end); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func cmpUintptr(a, b uintptr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (e *graphEncoder) group(members []*region, start, end uintptr) error {
	b := &block{members: members}
	for _, r := range members {
		if r.addr != start || r.addr+r.size != end {
			continue
		}
		if place(r.blockType(), members, start, b) {
			b.typ, b.root = r.blockType(), r
			return nil
		}
	}

	elem := members[0].typ
	if members[0].n < 0 || (end-start)%elem.Size() != 0 {
		return fmt.Errorf("%w: overlapping references to %s", ErrUnsupported, members[0].blockType())
	}
	b.typ = reflect.ArrayOf(int((end-start)/elem.Size()), elem)
	if !place(b.typ, members, start, b) {
		return fmt.Errorf("%w: overlapping references to %s", ErrUnsupported, b.typ)
	}
	return nil
}

// place locates every member inside a block of type t starting at start.
func place(t reflect.Type, members []*region, start uintptr, b *block) bool {
	for _, r := range members {
		var ok bool
		if r.n < 0 {
			r.path, ok = locate(t, r.addr-start, r.typ)
		} else {
			r.path, r.at, ok = locateArray(t, r.addr-start, r.typ, r.n)
		}
		if !ok {
			return false
		}
		r.block = b
	}
	return true
}

// locate returns the field and index path that reaches a value of type
// target at byte offset off inside t.
func locate(t reflect.Type, off uintptr, target reflect.Type) ([]int, bool) {
	if off == 0 && t == target {
		return nil, true
	}
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || off < f.Offset || off >= f.Offset+f.Type.Size() {
				continue
			}
			if rest, ok := locate(f.Type, off-f.Offset, target); ok {
				return append([]int{i}, rest...), true
			}
		}
	case reflect.Array:
		size := t.Elem().Size()
		if size == 0 || off/size >= uintptr(t.Len()) {
			return nil, false
		}
		i := off / size
		if rest, ok := locate(t.Elem(), off-i*size, target); ok {
			return append([]int{int(i)}, rest...), true
		}
	}
	return nil, false
}

// locateArray is locate for n elements of type elem: it returns the path of
// the enclosing array and the index of the first element.
func locateArray(t reflect.Type, off uintptr, elem reflect.Type, n int) ([]int, int, bool) {
	if t.Kind() == reflect.Array && t.Elem() == elem {
		size := elem.Size()
		if off%size == 0 && int(off/size)+n <= t.Len() {
			return nil, int(off / size), true
		}
	}
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || off < f.Offset || off >= f.Offset+f.Type.Size() {
				continue
			}
			if rest, at, ok := locateArray(f.Type, off-f.Offset, elem, n); ok {
				return append([]int{i}, rest...), at, true
			}
		}
	case reflect.Array:
		size := t.Elem().Size()
		if size == 0 || off/size >= uintptr(t.Len()) {
			return nil, 0, false
		}
		i := off / size
		if rest, at, ok := locateArray(t.Elem(), off-i*size, elem, n); ok {
			return append([]int{int(i)}, rest...), at, true
		}
	}
	return nil, 0, false
}

func (e *graphEncoder) value(v reflect.Value) (node, error) {
	if !v.IsValid() {
		return node{K: kindNil}, nil
	}

	t := v.Type()
	if isBinary(t) {
		var m encoding.BinaryMarshaler
		if t.Implements(binaryMarshalerType) {
			m = v.Interface().(encoding.BinaryMarshaler)
		} else {
			p := reflect.New(t)
			p.Elem().Set(v)
			m = p.Interface().(encoding.BinaryMarshaler)
		}
		b, err := m.MarshalBinary()
		if err != nil {
			return node{}, fmt.Errorf("%w: %s: %v", ErrUnsupported, t, err)
		}
		return node{K: kindBytes, Raw: b}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return node{K: kindBool, B: v.Bool()}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return node{K: kindInt, I: v.Int()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return node{K: kindUint, U: v.Uint()}, nil
	case reflect.Float32, reflect.Float64:
		return node{K: kindFloat, F: v.Float()}, nil
	case reflect.String:
		return node{K: kindString, S: v.String()}, nil

	case reflect.Slice:
		if v.IsNil() {
			return node{K: kindNil}, nil
		}
		if !hasAddress(v) {
			if t.Elem().Kind() == reflect.Uint8 {
				return node{K: kindBytes, Raw: []byte{}}, nil
			}
			return e.seq(v)
		}
		r, err := e.region(v)
		if err != nil {
			return node{}, err
		}
		ref, err := e.emit(r.block)
		if err != nil {
			return node{}, err
		}
		return node{K: kindSlice, Ref: ref, Path: r.path, At: r.at, Len: v.Len(), Cap: v.Cap()}, nil

	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, v.Len())
			for i := range raw {
				raw[i] = byte(v.Index(i).Uint())
			}
			return node{K: kindBytes, Raw: raw}, nil
		}
		return e.seq(v)

	case reflect.Struct:
		n := node{K: kindStruct}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				if !v.Field(i).IsZero() {
					return node{}, fmt.Errorf("%w: unexported field %s.%s is set", ErrUnsupported, t, f.Name)
				}
				continue
			}
			child, err := e.value(v.Field(i))
			if err != nil {
				return node{}, fmt.Errorf("%s.%s: %w", t, f.Name, err)
			}
			n.Names = append(n.Names, f.Name)
			n.Elems = append(n.Elems, child)
		}
		return n, nil

	case reflect.Pointer:
		if v.IsNil() {
			return node{K: kindNil}, nil
		}
		if !hasAddress(v) {
			return e.ref(v)
		}
		r, err := e.region(v)
		if err != nil {
			return node{}, err
		}
		ref, err := e.emit(r.block)
		if err != nil {
			return node{}, err
		}
		return node{K: kindRef, Ref: ref, Path: r.path}, nil

	case reflect.Map:
		if v.IsNil() {
			return node{K: kindNil}, nil
		}
		return e.ref(v)

	case reflect.Interface:
		if v.IsNil() {
			return node{K: kindNil}, nil
		}
		concrete := v.Elem()
		name, ok := e.reg.Name(concrete.Type())
		if !ok {
			return node{}, fmt.Errorf("%w: %s", ErrUnknownType, concrete.Type())
		}
		inner, err := e.value(concrete)
		if err != nil {
			return node{}, err
		}
		return node{K: kindIface, S: name, Elems: []node{inner}}, nil
	}

	return node{}, fmt.Errorf("%w: kind %s", ErrUnsupported, t.Kind())
}

func (e *graphEncoder) region(v reflect.Value) (*region, error) {
	r, ok := e.regions[keyOf(v)]
	if !ok || r.block == nil {
		return nil, fmt.Errorf("%w: %s changed while encoding", ErrUnsupported, v.Type())
	}
	return r, nil
}

func (e *graphEncoder) seq(v reflect.Value) (node, error) {
	n := node{K: kindSeq, Elems: make([]node, v.Len())}
	for i := range n.Elems {
		child, err := e.value(v.Index(i))
		if err != nil {
			return node{}, fmt.Errorf("[%d]: %w", i, err)
		}
		n.Elems[i] = child
	}
	return n, nil
}

// emit writes the body of b into the object table once and returns its
// reference.
func (e *graphEncoder) emit(b *block) (uint32, error) {
	if b.ref != 0 {
		return b.ref, nil
	}

	// Reserve the slot before descending so cycles terminate.
	e.objects = append(e.objects, node{})
	b.ref = uint32(len(e.objects))

	var body node
	var err error
	if b.root != nil && b.root.n < 0 {
		body, err = e.value(b.root.value)
	} else {
		body, err = e.arrayBody(b)
	}
	if err != nil {
		return 0, err
	}
	e.objects[b.ref-1] = body
	return b.ref, nil
}

// arrayBody encodes a backing array element by element, reading each element
// through whichever member covers it.
func (e *graphEncoder) arrayBody(b *block) (node, error) {
	elems := make([]reflect.Value, b.typ.Len())
	for _, r := range b.members {
		switch {
		case r.n >= 0 && len(r.path) == 0:
			for k := 0; k < r.n; k++ {
				elems[r.at+k] = r.value.Index(k)
			}
		case r.n < 0 && len(r.path) == 1:
			elems[r.path[0]] = r.value
		}
	}
	for i, el := range elems {
		if !el.IsValid() {
			return node{}, fmt.Errorf("%w: element %d of %s is not reachable", ErrUnsupported, i, b.typ)
		}
	}

	if b.typ.Elem().Kind() == reflect.Uint8 {
		raw := make([]byte, len(elems))
		for i, el := range elems {
			raw[i] = byte(el.Uint())
		}
		return node{K: kindBytes, Raw: raw}, nil
	}

	n := node{K: kindSeq, Elems: make([]node, len(elems))}
	for i, el := range elems {
		child, err := e.value(el)
		if err != nil {
			return node{}, fmt.Errorf("[%d]: %w", i, err)
		}
		n.Elems[i] = child
	}
	return n, nil
}

// ref encodes maps and pointers to zero-sized values, which are shared by
// identity rather than by address range.
func (e *graphEncoder) ref(v reflect.Value) (node, error) {
	id := identity{addr: v.Pointer(), typ: v.Type()}
	if ref, ok := e.seen[id]; ok {
		return node{K: kindRef, Ref: ref}, nil
	}

	e.objects = append(e.objects, node{})
	ref := uint32(len(e.objects))
	e.seen[id] = ref

	var body node
	var err error
	if v.Kind() == reflect.Pointer {
		body, err = e.value(v.Elem())
	} else {
		body, err = e.mapBody(v)
	}
	if err != nil {
		return node{}, err
	}
	e.objects[ref-1] = body
	return node{K: kindRef, Ref: ref}, nil
}

func (e *graphEncoder) mapBody(v reflect.Value) (node, error) {
	keys := v.MapKeys()
	sortKeys(keys)

	n := node{K: kindMap, Elems: make([]node, 0, 2*len(keys))}
	for _, k := range keys {
		kn, err := e.value(k)
		if err != nil {
			return node{}, err
		}
		vn, err := e.value(v.MapIndex(k))
		if err != nil {
			return node{}, fmt.Errorf("[%v]: %w", k, err)
		}
		n.Elems = append(n.Elems, kn, vn)
	}
	return n, nil
}

// sortKeys makes map encoding deterministic.
func sortKeys(keys []reflect.Value) {
	if len(keys) == 0 {
		return
	}
	var less func(a, b reflect.Value) bool
	switch keys[0].Kind() {
	case reflect.String:
		less = func(a, b reflect.Value) bool { return a.String() < b.String() }
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		less = func(a, b reflect.Value) bool { return a.Int() < b.Int() }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		less = func(a, b reflect.Value) bool { return a.Uint() < b.Uint() }
	case reflect.Float32, reflect.Float64:
		less = func(a, b reflect.Value) bool { return a.Float() < b.Float() }
	case reflect.Bool:
		less = func(a, b reflect.Value) bool { return !a.Bool() && b.Bool() }
	default:
		less = func(a, b reflect.Value) bool { return fmt.Sprint(a) < fmt.Sprint(b) }
	}
	sort.SliceStable(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}

// graphDecoder rebuilds a graph in three steps: infer the type of every
// object, allocate all of them, then fill root and objects. References can
// therefore point anywhere, including into objects not filled yet.
type graphDecoder struct {
	reg     *Registry
	objects []node
	types   []reflect.Type
	built   []reflect.Value
}

func decodeGraph(reg *Registry, g *graph, t reflect.Type) (reflect.Value, error) {
	d := &graphDecoder{
		reg:     reg,
		objects: g.Objects,
		types:   make([]reflect.Type, len(g.Objects)),
		built:   make([]reflect.Value, len(g.Objects)),
	}
	if err := d.infer(g.Root, t); err != nil {
		return reflect.Value{}, err
	}

	for i, typ := range d.types {
		switch {
		case typ == nil:
		case typ.Kind() == reflect.Map:
			d.built[i] = reflect.MakeMapWithSize(typ, len(d.objects[i].Elems)/2)
		default:
			d.built[i] = reflect.New(typ)
		}
	}

	out := reflect.New(t).Elem()
	if err := d.fill(out, g.Root); err != nil {
		return reflect.Value{}, err
	}
	for i, b := range d.built {
		var err error
		switch {
		case !b.IsValid():
			continue
		case b.Kind() == reflect.Map:
			err = d.fillMap(b, d.objects[i])
		default:
			err = d.fill(b.Elem(), d.objects[i])
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	return out, nil
}

// infer walks n as a value of type t and assigns a type to every object it
// can reach through a reference to the whole object. Shape errors are left
// to fill.
func (d *graphDecoder) infer(n node, t reflect.Type) error {
	if n.K == kindNil || isBinary(t) {
		return nil
	}

	switch n.K {
	case kindSeq:
		if t.Kind() == reflect.Array || t.Kind() == reflect.Slice {
			for _, child := range n.Elems {
				if err := d.infer(child, t.Elem()); err != nil {
					return err
				}
			}
		}

	case kindStruct:
		if t.Kind() != reflect.Struct {
			return nil
		}
		for i, name := range n.Names {
			sf, ok := t.FieldByName(name)
			if !ok || i >= len(n.Elems) {
				continue
			}
			if err := d.infer(n.Elems[i], sf.Type); err != nil {
				return err
			}
		}

	case kindIface:
		concrete, ok := d.reg.Type(n.S)
		if ok && len(n.Elems) == 1 {
			return d.infer(n.Elems[0], concrete)
		}

	case kindRef:
		switch {
		case t.Kind() == reflect.Map:
			return d.assign(n.Ref, t, true)
		case t.Kind() == reflect.Pointer && len(n.Path) == 0:
			return d.assign(n.Ref, t.Elem(), true)
		}

	case kindSlice:
		if t.Kind() != reflect.Slice || len(n.Path) != 0 {
			return nil
		}
		body, err := d.object(n.Ref)
		if err != nil {
			return err
		}
		count := len(body.Elems)
		if body.K == kindBytes {
			count = len(body.Raw)
		}
		return d.assign(n.Ref, reflect.ArrayOf(count, t.Elem()), false)
	}
	return nil
}

// assign fixes the type of object ref. An array type spelled by a slice
// gives way to an identical named array type spelled by a pointer.
func (d *graphDecoder) assign(ref uint32, typ reflect.Type, exact bool) error {
	body, err := d.object(ref)
	if err != nil {
		return err
	}
	idx := ref - 1
	if cur := d.types[idx]; cur != nil {
		if cur == typ {
			return nil
		}
		if cur.Kind() == reflect.Array && typ.Kind() == reflect.Array &&
			cur.Elem() == typ.Elem() && cur.Len() == typ.Len() {
			if exact {
				d.types[idx] = typ
			}
			return nil
		}
		return fmt.Errorf("%w: object %d is %s, not %s", ErrTypeMismatch, ref, cur, typ)
	}
	d.types[idx] = typ

	if typ.Kind() == reflect.Map {
		for i := 0; i+1 < len(body.Elems); i += 2 {
			if err := d.infer(body.Elems[i], typ.Key()); err != nil {
				return err
			}
			if err := d.infer(body.Elems[i+1], typ.Elem()); err != nil {
				return err
			}
		}
		return nil
	}
	return d.infer(body, typ)
}

func (d *graphDecoder) object(ref uint32) (node, error) {
	if ref == 0 || int(ref) > len(d.objects) {
		return node{}, fmt.Errorf("%w: dangling reference %d", ErrCorrupt, ref)
	}
	return d.objects[ref-1], nil
}

// target resolves path inside object ref.
func (d *graphDecoder) target(ref uint32, path []int) (reflect.Value, error) {
	if _, err := d.object(ref); err != nil {
		return reflect.Value{}, err
	}
	b := d.built[ref-1]
	if !b.IsValid() || b.Kind() != reflect.Pointer {
		return reflect.Value{}, fmt.Errorf("%w: object %d has no known type", ErrCorrupt, ref)
	}
	v := b.Elem()
	for _, step := range path {
		switch {
		case v.Kind() == reflect.Struct && step >= 0 && step < v.NumField() && v.Type().Field(step).IsExported():
			v = v.Field(step)
		case v.Kind() == reflect.Array && step >= 0 && step < v.Len():
			v = v.Index(step)
		default:
			return reflect.Value{}, fmt.Errorf("%w: bad path %v into %s", ErrCorrupt, path, b.Elem().Type())
		}
	}
	return v, nil
}

// fill decodes n into dst, which must be settable.
func (d *graphDecoder) fill(dst reflect.Value, n node) error {
	t := dst.Type()

	if n.K == kindNil {
		dst.SetZero()
		return nil
	}

	if isBinary(t) {
		if n.K != kindBytes {
			return d.mismatch(n, t)
		}
		u := dst.Addr().Interface().(encoding.BinaryUnmarshaler)
		if err := u.UnmarshalBinary(n.Raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, t, err)
		}
		return nil
	}

	switch n.K {
	case kindBool:
		if t.Kind() != reflect.Bool {
			return d.mismatch(n, t)
		}
		dst.SetBool(n.B)

	case kindInt:
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		default:
			return d.mismatch(n, t)
		}
		if dst.OverflowInt(n.I) {
			return fmt.Errorf("%w: %d overflows %s", ErrCorrupt, n.I, t)
		}
		dst.SetInt(n.I)

	case kindUint:
		switch t.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		default:
			return d.mismatch(n, t)
		}
		if dst.OverflowUint(n.U) {
			return fmt.Errorf("%w: %d overflows %s", ErrCorrupt, n.U, t)
		}
		dst.SetUint(n.U)

	case kindFloat:
		if t.Kind() != reflect.Float32 && t.Kind() != reflect.Float64 {
			return d.mismatch(n, t)
		}
		dst.SetFloat(n.F)

	case kindString:
		if t.Kind() != reflect.String {
			return d.mismatch(n, t)
		}
		dst.SetString(n.S)

	case kindBytes:
		if (t.Kind() != reflect.Slice && t.Kind() != reflect.Array) || t.Elem().Kind() != reflect.Uint8 {
			return d.mismatch(n, t)
		}
		switch t.Kind() {
		case reflect.Slice:
			b := reflect.MakeSlice(t, len(n.Raw), len(n.Raw))
			reflect.Copy(b, reflect.ValueOf(n.Raw))
			dst.Set(b)
		case reflect.Array:
			if len(n.Raw) != t.Len() {
				return fmt.Errorf("%w: %d bytes for %s", ErrCorrupt, len(n.Raw), t)
			}
			for i, c := range n.Raw {
				dst.Index(i).SetUint(uint64(c))
			}
		default:
			return d.mismatch(n, t)
		}

	case kindSeq:
		switch t.Kind() {
		case reflect.Slice:
			dst.Set(reflect.MakeSlice(t, len(n.Elems), len(n.Elems)))
		case reflect.Array:
			if len(n.Elems) != t.Len() {
				return fmt.Errorf("%w: %d elements for %s", ErrCorrupt, len(n.Elems), t)
			}
		default:
			return d.mismatch(n, t)
		}
		for i, child := range n.Elems {
			if err := d.fill(dst.Index(i), child); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}

	case kindStruct:
		if t.Kind() != reflect.Struct || len(n.Names) != len(n.Elems) {
			return d.mismatch(n, t)
		}
		for i, name := range n.Names {
			sf, ok := t.FieldByName(name)
			// Fields removed from the type since the payload was written are dropped.
			if !ok || len(sf.Index) != 1 || !sf.IsExported() {
				continue
			}
			if err := d.fill(dst.Field(sf.Index[0]), n.Elems[i]); err != nil {
				return fmt.Errorf("%s.%s: %w", t, name, err)
			}
		}

	case kindRef:
		switch t.Kind() {
		case reflect.Map:
			if _, err := d.object(n.Ref); err != nil {
				return err
			}
			m := d.built[n.Ref-1]
			if !m.IsValid() || m.Type() != t {
				return d.mismatch(n, t)
			}
			dst.Set(m)
		case reflect.Pointer:
			v, err := d.target(n.Ref, n.Path)
			if err != nil {
				return err
			}
			if v.Type() != t.Elem() {
				return fmt.Errorf("%w: object %d holds %s, not %s", ErrTypeMismatch, n.Ref, v.Type(), t.Elem())
			}
			return d.set(dst, v.Addr())
		default:
			return d.mismatch(n, t)
		}

	case kindSlice:
		if t.Kind() != reflect.Slice {
			return d.mismatch(n, t)
		}
		arr, err := d.target(n.Ref, n.Path)
		if err != nil {
			return err
		}
		if arr.Kind() != reflect.Array || arr.Type().Elem() != t.Elem() {
			return fmt.Errorf("%w: object %d holds %s, not an array for %s", ErrTypeMismatch, n.Ref, arr.Type(), t)
		}
		if n.At < 0 || n.Len < 0 || n.Len > n.Cap || n.At+n.Cap > arr.Len() {
			return fmt.Errorf("%w: slice [%d:%d:%d] of %s", ErrCorrupt, n.At, n.At+n.Len, n.At+n.Cap, arr.Type())
		}
		return d.set(dst, arr.Slice3(n.At, n.At+n.Len, n.At+n.Cap))

	case kindIface:
		if t.Kind() != reflect.Interface || len(n.Elems) != 1 {
			return d.mismatch(n, t)
		}
		concrete, ok := d.reg.Type(n.S)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownType, n.S)
		}
		if !concrete.Implements(t) {
			return fmt.Errorf("%w: %s does not implement %s", ErrTypeMismatch, concrete, t)
		}
		v := reflect.New(concrete).Elem()
		if err := d.fill(v, n.Elems[0]); err != nil {
			return err
		}
		dst.Set(v)

	default:
		return fmt.Errorf("%w: node kind %d", ErrCorrupt, n.K)
	}
	return nil
}

// set stores v into dst, converting between a named type and its unnamed
// spelling.
func (d *graphDecoder) set(dst, v reflect.Value) error {
	if v.Type() != dst.Type() {
		if !v.Type().ConvertibleTo(dst.Type()) {
			return fmt.Errorf("%w: %s into %s", ErrTypeMismatch, v.Type(), dst.Type())
		}
		v = v.Convert(dst.Type())
	}
	dst.Set(v)
	return nil
}

func (d *graphDecoder) fillMap(m reflect.Value, body node) error {
	t := m.Type()
	if body.K != kindMap || len(body.Elems)%2 != 0 {
		return d.mismatch(body, t)
	}
	for i := 0; i < len(body.Elems); i += 2 {
		k := reflect.New(t.Key()).Elem()
		if err := d.fill(k, body.Elems[i]); err != nil {
			return err
		}
		v := reflect.New(t.Elem()).Elem()
		if err := d.fill(v, body.Elems[i+1]); err != nil {
			return err
		}
		m.SetMapIndex(k, v)
	}
	return nil
}

func (d *graphDecoder) mismatch(n node, t reflect.Type) error {
	return fmt.Errorf("%w: node kind %d into %s", ErrTypeMismatch, n.K, t)
}
