package resolve

type NodeKind int

const (
	NodeKindObject NodeKind = iota + 1
	NodeKindArray
	NodeKindString
	NodeKindBoolean
	NodeKindInteger
	NodeKindFloat
	NodeKindScalar
	NodeKindNull
)

// Node describes one node of the client-visible response shape. The shape
// mirrors the client's selection set and carries the nullability information
// the walker needs for null propagation.
type Node interface {
	NodeKind() NodeKind
	NodePath() []string
	NodeNullable() bool
}

type Object struct {
	Nullable bool
	Path     []string
	Fields   []*Field
}

func (*Object) NodeKind() NodeKind {
	return NodeKindObject
}

func (o *Object) NodePath() []string {
	return o.Path
}

func (o *Object) NodeNullable() bool {
	return o.Nullable
}

type Field struct {
	Name  []byte
	Value Node
}

type Array struct {
	Nullable bool
	Path     []string
	Item     Node
}

func (*Array) NodeKind() NodeKind {
	return NodeKindArray
}

func (a *Array) NodePath() []string {
	return a.Path
}

func (a *Array) NodeNullable() bool {
	return a.Nullable
}

type String struct {
	Nullable bool
	Path     []string
}

func (*String) NodeKind() NodeKind {
	return NodeKindString
}

func (s *String) NodePath() []string {
	return s.Path
}

func (s *String) NodeNullable() bool {
	return s.Nullable
}

type Boolean struct {
	Nullable bool
	Path     []string
}

func (*Boolean) NodeKind() NodeKind {
	return NodeKindBoolean
}

func (b *Boolean) NodePath() []string {
	return b.Path
}

func (b *Boolean) NodeNullable() bool {
	return b.Nullable
}

type Integer struct {
	Nullable bool
	Path     []string
}

func (*Integer) NodeKind() NodeKind {
	return NodeKindInteger
}

func (i *Integer) NodePath() []string {
	return i.Path
}

func (i *Integer) NodeNullable() bool {
	return i.Nullable
}

type Float struct {
	Nullable bool
	Path     []string
}

func (*Float) NodeKind() NodeKind {
	return NodeKindFloat
}

func (f *Float) NodePath() []string {
	return f.Path
}

func (f *Float) NodeNullable() bool {
	return f.Nullable
}

// Scalar is a custom leaf rendered verbatim, e.g. JSON scalars.
type Scalar struct {
	Nullable bool
	Path     []string
}

func (*Scalar) NodeKind() NodeKind {
	return NodeKindScalar
}

func (s *Scalar) NodePath() []string {
	return s.Path
}

func (s *Scalar) NodeNullable() bool {
	return s.Nullable
}

// Null always renders null, used for statically skipped selections.
type Null struct{}

func (*Null) NodeKind() NodeKind {
	return NodeKindNull
}

func (*Null) NodePath() []string {
	return nil
}

func (*Null) NodeNullable() bool {
	return true
}

var (
	_ Node = (*Object)(nil)
	_ Node = (*Array)(nil)
	_ Node = (*String)(nil)
	_ Node = (*Boolean)(nil)
	_ Node = (*Integer)(nil)
	_ Node = (*Float)(nil)
	_ Node = (*Scalar)(nil)
	_ Node = (*Null)(nil)
)
