package primitives

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjectID identifies a memory object. Pages refer to their owner through this
// id rather than a pointer, so a page never keeps its object alive.
type ObjectID uuid.UUID

// NilObject is the zero ObjectID, owned by no object.
var NilObject ObjectID

// NewObjectID returns a fresh random object identity.
func NewObjectID() ObjectID {
	return ObjectID(uuid.New())
}

// IsValid reports whether the id names an object.
func (o ObjectID) IsValid() bool {
	return o != NilObject
}

// String returns the canonical uuid form.
func (o ObjectID) String() string {
	return uuid.UUID(o).String()
}

// Short returns the first eight hex digits, handy in log lines.
func (o ObjectID) Short() string {
	return o.String()[:8]
}

// IsValid reports whether the slot id is set.
func (s SlotID) IsValid() bool {
	return s != InvalidSlot
}

// String returns a string representation of the SlotID.
func (s SlotID) String() string {
	if !s.IsValid() {
		return "Slot(invalid)"
	}
	return fmt.Sprintf("Slot(%d)", uint64(s))
}

func (p PageIndex) String() string {
	return fmt.Sprintf("PageIndex(%d)", uint64(p))
}

// String renders protection bits as "rwx" with dashes for cleared bits.
func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}
