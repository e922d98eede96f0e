package resolve

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/wundergraph/astjson"

	"github.com/gqlrouter/gqlrouter/pkg/internal/unsafebytes"
	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

// Resolvable is the mutable, path-addressable accumulator for data and errors
// built up as fetches complete. It is exclusively owned by one request's
// execution; concurrent branches of that execution serialize all tree access
// through Lock/Unlock so that only network I/O runs unlocked.
type Resolvable struct {
	mu sync.Mutex

	data   *astjson.Value
	errors *astjson.Value

	rootTypeName string

	print                bool
	out                  io.Writer
	printErr             error
	path                 []PathElement
	depth                int
	skipAddingNullErrors bool
	marshalBuf           []byte
}

type PathElement struct {
	Name string
	Idx  int
}

func NewResolvable() *Resolvable {
	return &Resolvable{
		rootTypeName: "Query",
	}
}

func (r *Resolvable) Init(initialData []byte) error {
	r.data = astjson.MustParse(`{}`)
	r.errors = astjson.MustParse(`[]`)
	if initialData != nil {
		initialValue, err := astjson.ParseBytes(initialData)
		if err != nil {
			return err
		}
		r.data, _, _ = astjson.MergeValues(nil, r.data, initialValue)
	}
	return nil
}

// Lock acquires the single-writer lock over the tree. Every read or mutation
// of data/errors during execution happens under this lock; fetches do not.
func (r *Resolvable) Lock()   { r.mu.Lock() }
func (r *Resolvable) Unlock() { r.mu.Unlock() }

func (r *Resolvable) Data() *astjson.Value   { return r.data }
func (r *Resolvable) Errors() *astjson.Value { return r.errors }

// drainErrors hands the accumulated errors to the caller and resets the
// array, so frames rendered later only carry errors recorded after the drain.
// Must be called with the tree lock held.
func (r *Resolvable) drainErrors() *astjson.Value {
	if !r.hasErrors(r.errors) {
		return nil
	}
	drained := r.errors
	r.errors = astjson.MustParse(`[]`)
	return drained
}

func (r *Resolvable) hasErrors(errors *astjson.Value) bool {
	if errors == nil {
		return false
	}
	values, err := errors.Array()
	if err != nil {
		return false
	}
	return len(values) > 0
}

// ResolveNode walks shape against value, applying null propagation, then
// prints the completed value to out. Errors synthesized during the walk are
// appended to errors, with their paths prefixed by pathPrefix. The walk
// returns true when the root itself became an error, in which case the caller
// must render null for the data.
func (r *Resolvable) ResolveNode(shape Node, value *astjson.Value, errors *astjson.Value, pathPrefix []PathElement, out io.Writer) (invalid bool, err error) {
	r.out = out
	r.printErr = nil
	r.path = append(r.path[:0], pathPrefix...)
	r.depth = 0
	r.skipAddingNullErrors = false

	savedErrors := r.errors
	r.errors = errors
	defer func() {
		r.errors = savedErrors
	}()

	r.print = false
	hasErrors := r.walkNode(shape, value)
	if hasErrors {
		return true, nil
	}
	r.print = true
	r.path = append(r.path[:0], pathPrefix...)
	r.depth = 0
	_ = r.walkNode(shape, value)
	r.print = false
	return false, r.printErr
}

func (r *Resolvable) err() bool {
	return true
}

func (r *Resolvable) printBytes(b []byte) {
	if r.printErr != nil {
		return
	}
	_, r.printErr = r.out.Write(b)
}

func (r *Resolvable) printNode(value *astjson.Value) {
	if r.printErr != nil {
		return
	}
	r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
	_, r.printErr = r.out.Write(r.marshalBuf)
}

func (r *Resolvable) pushArrayPathElement(index int) {
	r.path = append(r.path, PathElement{Idx: index})
}

func (r *Resolvable) popArrayPathElement() {
	r.path = r.path[:len(r.path)-1]
}

func (r *Resolvable) pushNodePathElement(path []string) {
	r.depth++
	for i := range path {
		r.path = append(r.path, PathElement{Name: path[i]})
	}
}

func (r *Resolvable) popNodePathElement(path []string) {
	r.path = r.path[:len(r.path)-len(path)]
	r.depth--
}

func (r *Resolvable) walkNode(node Node, value *astjson.Value) bool {
	switch n := node.(type) {
	case *Object:
		return r.walkObject(n, value)
	case *Array:
		return r.walkArray(n, value)
	case *Null:
		return r.walkNull()
	case *String:
		return r.walkString(n, value)
	case *Boolean:
		return r.walkBoolean(n, value)
	case *Integer:
		return r.walkInteger(n, value)
	case *Float:
		return r.walkFloat(n, value)
	case *Scalar:
		return r.walkScalar(n, value)
	default:
		return false
	}
}

func (r *Resolvable) walkObject(obj *Object, parent *astjson.Value) bool {
	value := parent.Get(obj.Path...)
	if value == nil || value.Type() == astjson.TypeNull {
		if obj.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(obj.Path)
		return r.err()
	}
	r.pushNodePathElement(obj.Path)
	defer r.popNodePathElement(obj.Path)
	if value.Type() != astjson.TypeObject {
		r.addError("Object cannot represent non-object value.", obj.Path)
		return r.err()
	}
	if r.print {
		r.printBytes(lBrace)
	}
	addComma := false
	for i := range obj.Fields {
		if r.print {
			if addComma {
				r.printBytes(comma)
			}
			r.printBytes(quote)
			r.printBytes(obj.Fields[i].Name)
			r.printBytes(quote)
			r.printBytes(colon)
		}
		failed := r.walkNode(obj.Fields[i].Value, value)
		if failed {
			if obj.Nullable && len(obj.Path) > 0 {
				astjson.SetNull(parent, obj.Path...)
				return false
			}
			return failed
		}
		addComma = true
	}
	if r.print {
		r.printBytes(rBrace)
	}
	return false
}

func (r *Resolvable) walkArray(arr *Array, parent *astjson.Value) bool {
	value := parent.Get(arr.Path...)
	if astjson.ValueIsNull(value) {
		if arr.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(arr.Path)
		return r.err()
	}
	r.pushNodePathElement(arr.Path)
	defer r.popNodePathElement(arr.Path)
	if value.Type() != astjson.TypeArray {
		r.addError("Array cannot represent non-array value.", arr.Path)
		return r.err()
	}
	if r.print {
		r.printBytes(lBrack)
	}
	values := value.GetArray()
	for i, arrayValue := range values {
		if r.print && i != 0 {
			r.printBytes(comma)
		}
		r.pushArrayPathElement(i)
		failed := r.walkNode(arr.Item, arrayValue)
		r.popArrayPathElement()
		if failed {
			if arr.Item.NodeKind() == NodeKindObject && arr.Item.NodeNullable() {
				value.SetArrayItem(nil, i, astjson.NullValue)
				continue
			}
			if arr.Nullable {
				astjson.SetNull(parent, arr.Path...)
				return false
			}
			return failed
		}
	}
	if r.print {
		r.printBytes(rBrack)
	}
	return false
}

func (r *Resolvable) walkNull() bool {
	if r.print {
		r.printBytes(null)
	}
	return false
}

func (r *Resolvable) walkString(s *String, parent *astjson.Value) bool {
	value := parent.Get(s.Path...)
	if astjson.ValueIsNull(value) {
		if s.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(s.Path)
		return r.err()
	}
	if value.Type() != astjson.TypeString {
		r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
		r.addError(fmt.Sprintf("String cannot represent non-string value: \\\"%s\\\"", unsafebytes.BytesToString(r.marshalBuf)), s.Path)
		return r.err()
	}
	if r.print {
		r.printNode(value)
	}
	return false
}

func (r *Resolvable) walkBoolean(b *Boolean, parent *astjson.Value) bool {
	value := parent.Get(b.Path...)
	if astjson.ValueIsNull(value) {
		if b.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(b.Path)
		return r.err()
	}
	if value.Type() != astjson.TypeTrue && value.Type() != astjson.TypeFalse {
		r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
		r.addError(fmt.Sprintf("Bool cannot represent non-boolean value: \\\"%s\\\"", unsafebytes.BytesToString(r.marshalBuf)), b.Path)
		return r.err()
	}
	if r.print {
		r.printNode(value)
	}
	return false
}

func (r *Resolvable) walkInteger(i *Integer, parent *astjson.Value) bool {
	value := parent.Get(i.Path...)
	if astjson.ValueIsNull(value) {
		if i.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(i.Path)
		return r.err()
	}
	if value.Type() != astjson.TypeNumber {
		r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
		r.addError(fmt.Sprintf("Int cannot represent non-integer value: \\\"%s\\\"", unsafebytes.BytesToString(r.marshalBuf)), i.Path)
		return r.err()
	}
	if r.print {
		r.printNode(value)
	}
	return false
}

func (r *Resolvable) walkFloat(f *Float, parent *astjson.Value) bool {
	value := parent.Get(f.Path...)
	if astjson.ValueIsNull(value) {
		if f.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(f.Path)
		return r.err()
	}
	if value.Type() != astjson.TypeNumber {
		r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
		r.addError(fmt.Sprintf("Float cannot represent non-float value: \\\"%s\\\"", unsafebytes.BytesToString(r.marshalBuf)), f.Path)
		return r.err()
	}
	if r.print {
		r.printNode(value)
	}
	return false
}

func (r *Resolvable) walkScalar(s *Scalar, parent *astjson.Value) bool {
	value := parent.Get(s.Path...)
	if astjson.ValueIsNull(value) {
		if s.Nullable {
			return r.walkNull()
		}
		r.addNonNullableFieldError(s.Path)
		return r.err()
	}
	if r.print {
		r.marshalBuf = value.MarshalTo(r.marshalBuf[:0])
		if value.Type() == astjson.TypeString || gjson.ValidBytes(r.marshalBuf) {
			r.printBytes(r.marshalBuf)
		} else {
			r.addError("Scalar cannot represent invalid JSON value.", s.Path)
			return r.err()
		}
	}
	return false
}

func (r *Resolvable) addNonNullableFieldError(fieldPath []string) {
	if r.skipAddingNullErrors {
		return
	}
	r.pushNodePathElement(fieldPath)
	errorMessage := fmt.Sprintf("Cannot return null for non-nullable field '%s'.", r.renderFieldPath())
	// only record the propagation error if none exists at this path yet
	if !r.hasErrorAtCurrentPath() {
		appendErrorToArray(r.errors, errorMessage, r.path)
	}
	r.popNodePathElement(fieldPath)
}

func (r *Resolvable) hasErrorAtCurrentPath() bool {
	if r.errors == nil {
		return false
	}
	want := createErrorPath(r.path)
	wantBytes := want.MarshalTo(nil)
	for _, existing := range r.errors.GetArray() {
		existingPath := existing.Get("path")
		if existingPath == nil {
			continue
		}
		r.marshalBuf = existingPath.MarshalTo(r.marshalBuf[:0])
		if bytes.Equal(r.marshalBuf, wantBytes) {
			return true
		}
	}
	return false
}

func (r *Resolvable) renderFieldPath() string {
	buf := pool.BytesBuffer.Get()
	defer pool.BytesBuffer.Put(buf)
	_, _ = buf.WriteString(r.rootTypeName)
	for i := range r.path {
		if r.path[i].Name != "" {
			_, _ = buf.WriteString(".")
			_, _ = buf.WriteString(r.path[i].Name)
		}
	}
	return buf.String()
}

func (r *Resolvable) addError(message string, fieldPath []string) {
	r.pushNodePathElement(fieldPath)
	appendErrorToArray(r.errors, message, r.path)
	r.popNodePathElement(fieldPath)
}

func appendErrorToArray(v *astjson.Value, msg string, path []PathElement) {
	if v.Type() != astjson.TypeArray {
		return
	}
	errorObject := createErrorObjectWithPath(msg, path)
	items, _ := v.Array()
	v.SetArrayItem(nil, len(items), errorObject)
}

func createErrorObjectWithPath(message string, path []PathElement) *astjson.Value {
	errorObject := astjson.MustParse(fmt.Sprintf(`{"message":"%s"}`, message))
	if len(path) == 0 {
		return errorObject
	}
	errorObject.Set(nil, "path", createErrorPath(path))
	return errorObject
}

func createErrorPath(path []PathElement) *astjson.Value {
	errorPath := astjson.MustParse(`[]`)
	for i := range path {
		if path[i].Name != "" {
			errorPath.SetArrayItem(nil, i, astjson.MustParse(fmt.Sprintf(`%q`, path[i].Name)))
		} else {
			errorPath.SetArrayItem(nil, i, astjson.MustParse(strconv.FormatInt(int64(path[i].Idx), 10)))
		}
	}
	return errorPath
}

var (
	lBrace = []byte("{")
	rBrace = []byte("}")
	lBrack = []byte("[")
	rBrack = []byte("]")
	comma  = []byte(",")
	colon  = []byte(":")
	quote  = []byte(`"`)
	null   = []byte("null")
)
