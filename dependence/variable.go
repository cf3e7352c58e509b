package dependence

import "fmt"

// Variable is a storage location an occurrence reads or defines. All
// implementations are comparable and can key maps.
type Variable interface {
	fmt.Stringer
	variable()
}

// LocalVariable is local slot Index of one activation.
type LocalVariable struct {
	Frame int64
	Index int
}

// StackEntry is the operand stack cell at Height of one activation.
// Heights are the static heights computed when the program was linked, so
// a cell is identified by the activation and the position every write to
// it targets.
type StackEntry struct {
	Frame  int64
	Height int
}

// ArrayElement is element Index of the array with object id Array.
type ArrayElement struct {
	Array uint64
	Index int64
}

// ObjectField is a field of the object with id Object. Array lengths are
// modeled as the field LengthField.
type ObjectField struct {
	Object uint64
	Field  string
}

// StaticField is a class-level field.
type StaticField struct {
	Owner string
	Field string
}

// ConstantPoolEntry is a constant of a class, read by OpLdc.
type ConstantPoolEntry struct {
	Owner string
	Index int64
}

// CreatedObject stands for the allocation of the object with id Object.
type CreatedObject struct {
	Object uint64
}

// LengthField is the pseudo field holding an array's length.
const LengthField = "length"

func (LocalVariable) variable()     {}
func (StackEntry) variable()        {}
func (ArrayElement) variable()      {}
func (ObjectField) variable()       {}
func (StaticField) variable()       {}
func (ConstantPoolEntry) variable() {}
func (CreatedObject) variable()     {}

func (v LocalVariable) String() string {
	return fmt.Sprintf("local#%d@%d", v.Index, v.Frame)
}

func (v StackEntry) String() string {
	return fmt.Sprintf("stack[%d]@%d", v.Height, v.Frame)
}

func (v ArrayElement) String() string {
	return fmt.Sprintf("array#%d[%d]", v.Array, v.Index)
}

func (v ObjectField) String() string {
	return fmt.Sprintf("object#%d.%s", v.Object, v.Field)
}

func (v StaticField) String() string {
	return v.Owner + "." + v.Field
}

func (v ConstantPoolEntry) String() string {
	return fmt.Sprintf("%s.const[%d]", v.Owner, v.Index)
}

func (v CreatedObject) String() string {
	return fmt.Sprintf("new#%d", v.Object)
}

// frameLocal reports whether v lives in an activation, and which.
func frameLocal(v Variable) (int64, bool) {
	switch v := v.(type) {
	case LocalVariable:
		return v.Frame, true
	case StackEntry:
		return v.Frame, true
	}
	return 0, false
}
