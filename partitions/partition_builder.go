package partitions

import (
	"fmt"
	"math"
)

// PartitionBuilder assigns elements to partitions
type PartitionBuilder struct {
	NumElements int

	// NumPartitions wins over TargetPartitionSize when set
	NumPartitions       int
	TargetPartitionSize int // Desired elements per partition
	Strategy            PartitionStrategy
}

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive elements
	RoundRobin                              // Distribute cyclically
)

// ParseStrategy maps a configuration name onto a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "block", "":
		return BlockPartition, nil
	case "roundrobin":
		return RoundRobin, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

// BuildPartitions creates a partition layout
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumElements < 1 {
		return nil, fmt.Errorf("cannot partition %d elements", pb.NumElements)
	}
	numPartitions := pb.calculateNumPartitions()
	if numPartitions > pb.NumElements {
		return nil, fmt.Errorf("%d partitions requested for %d elements, every partition must own an element",
			numPartitions, pb.NumElements)
	}

	eToP := pb.partitionElements(numPartitions)
	return FromEToP(eToP, numPartitions)
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() int {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions
	}
	numPartitions := 1
	if pb.TargetPartitionSize > 0 {
		numPartitions = int(math.Ceil(float64(pb.NumElements) / float64(pb.TargetPartitionSize)))
	}
	if numPartitions < 1 {
		numPartitions = 1
	}
	return numPartitions
}

// partitionElements assigns elements to partitions
func (pb *PartitionBuilder) partitionElements(numPartitions int) []int {
	eToP := make([]int, pb.NumElements)

	switch pb.Strategy {
	case RoundRobin:
		for i := 0; i < pb.NumElements; i++ {
			eToP[i] = i % numPartitions
		}
	default:
		// Balanced blocks: the first NumElements%numPartitions blocks get one extra
		base := pb.NumElements / numPartitions
		extra := pb.NumElements % numPartitions
		i := 0
		for p := 0; p < numPartitions; p++ {
			n := base
			if p < extra {
				n++
			}
			for j := 0; j < n; j++ {
				eToP[i] = p
				i++
			}
		}
	}

	return eToP
}

// FromEToP builds a layout from an explicit element-to-partition map
func FromEToP(eToP []int, numPartitions int) (*PartitionLayout, error) {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Elements: make([]int, 0)}
	}
	for elem, part := range eToP {
		if part < 0 || part >= numPartitions {
			return nil, fmt.Errorf("element %d assigned to partition %d outside [0,%d)", elem, part, numPartitions)
		}
		partitions[part].Elements = append(partitions[part].Elements, elem)
		partitions[part].NumElements++
	}

	kpartMax := 0
	for _, p := range partitions {
		if p.NumElements > kpartMax {
			kpartMax = p.NumElements
		}
	}
	for i := range partitions {
		partitions[i].MaxElements = kpartMax
	}

	layout := &PartitionLayout{
		Partitions:    partitions,
		KpartMax:      kpartMax,
		TotalElements: len(eToP),
		NumPartitions: numPartitions,
		EToP:          append([]int(nil), eToP...),
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}
