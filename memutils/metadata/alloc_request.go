package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new suballocation. The consumer can prepare the underlying memory
// system, and then commit the request to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the suballocation will carry once committed
	BlockAllocationHandle BlockAllocationHandle
	// Offset is where the suballocation will begin
	Offset int
	// Size is the size of the suballocation in units
	Size int
	// AllocType is the value passed into CreateAllocationRequest by the consumer
	AllocType uint32
}
