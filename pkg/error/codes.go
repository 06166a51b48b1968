package error

// Error codes raised by the swap subsystem.
const (
	CodeSlotGone         = "SLOT_GONE"
	CodeAlreadyPresent   = "ALREADY_PRESENT"
	CodeNoSpace          = "NO_SPACE"
	CodeNoMemory         = "NO_MEMORY"
	CodeIOFailed         = "IO_FAILED"
	CodePagerMiss        = "PAGER_MISS"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeObjectDead       = "OBJECT_DEAD"
	CodeSlotNotAllocated = "SLOT_NOT_ALLOCATED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInvariant        = "INVARIANT"
)

// Sentinels for errors.Is. They carry no stack and must not be returned
// directly; use the constructors below.
var (
	ErrSlotGone         = &SwapError{Code: CodeSlotGone, Category: ErrCategoryRace, Message: "slot was freed concurrently"}
	ErrAlreadyPresent   = &SwapError{Code: CodeAlreadyPresent, Category: ErrCategoryRace, Message: "swap cache entry already present"}
	ErrNoSpace          = &SwapError{Code: CodeNoSpace, Category: ErrCategoryResource, Message: "no free swap slots"}
	ErrNoMemory         = &SwapError{Code: CodeNoMemory, Category: ErrCategoryResource, Message: "out of memory"}
	ErrIOFailed         = &SwapError{Code: CodeIOFailed, Category: ErrCategoryIO, Message: "swap transfer failed"}
	ErrPagerMiss        = &SwapError{Code: CodePagerMiss, Category: ErrCategoryResource, Message: "pager has no copy of page"}
	ErrChecksumMismatch = &SwapError{Code: CodeChecksumMismatch, Category: ErrCategoryData, Message: "slot checksum mismatch"}
	ErrObjectDead       = &SwapError{Code: CodeObjectDead, Category: ErrCategoryUser, Message: "object has been deallocated"}
	ErrSlotNotAllocated = &SwapError{Code: CodeSlotNotAllocated, Category: ErrCategoryUser, Message: "slot is not allocated"}
	ErrInvalidArgument  = &SwapError{Code: CodeInvalidArgument, Category: ErrCategoryUser, Message: "invalid argument"}
)

func SlotGone(slot uint64) *SwapError {
	return New(ErrCategoryRace, CodeSlotGone, ErrSlotGone.Message).WithDetail("slot %d", slot)
}

func AlreadyPresent(detail string) *SwapError {
	e := New(ErrCategoryRace, CodeAlreadyPresent, ErrAlreadyPresent.Message)
	e.Detail = detail
	return e
}

func NoSpace(requested int) *SwapError {
	e := New(ErrCategoryResource, CodeNoSpace, ErrNoSpace.Message).WithDetail("requested %d slots", requested)
	e.Hint = "reclaim pages directly or enlarge the swap area"
	return e
}

func NoMemory(detail string) *SwapError {
	e := New(ErrCategoryResource, CodeNoMemory, ErrNoMemory.Message)
	e.Detail = detail
	return e
}

func IOFailed(cause error, slot uint64) *SwapError {
	return New(ErrCategoryIO, CodeIOFailed, ErrIOFailed.Message).WithDetail("slot %d", slot).WithCause(cause)
}

func PagerMiss(index uint64) *SwapError {
	return New(ErrCategoryResource, CodePagerMiss, ErrPagerMiss.Message).WithDetail("page index %d", index)
}

func ChecksumMismatch(slot uint64) *SwapError {
	return New(ErrCategoryData, CodeChecksumMismatch, ErrChecksumMismatch.Message).WithDetail("slot %d", slot)
}

func ObjectDead(object string) *SwapError {
	return New(ErrCategoryUser, CodeObjectDead, ErrObjectDead.Message).WithDetail("object %s", object)
}

func SlotNotAllocated(slot uint64) *SwapError {
	return New(ErrCategoryUser, CodeSlotNotAllocated, ErrSlotNotAllocated.Message).WithDetail("slot %d", slot)
}

func InvalidArgument(format string, args ...any) *SwapError {
	return New(ErrCategoryUser, CodeInvalidArgument, ErrInvalidArgument.Message).WithDetail(format, args...)
}
