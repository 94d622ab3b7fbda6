package mesh

import (
	"fmt"
	"log"

	metis "github.com/notargets/go-metis"
)

// PartitionStrategy selects how elements are assigned to ranks.
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // contiguous element ranges
	RoundRobin                              // cyclic assignment
	GraphPartition                          // METIS k-way on the dual graph
)

// PartitionConfig holds configuration for graph partitioning.
type PartitionConfig struct {
	NumPartitions   int32
	ImbalanceFactor float32 // e.g. 1.05 for 5% imbalance
	UseEdgeWeights  bool
	Objective       string // "cut" or "vol"
}

func DefaultPartitionConfig(nparts int32) *PartitionConfig {
	return &PartitionConfig{
		NumPartitions:   nparts,
		ImbalanceFactor: 1.05,
		UseEdgeWeights:  true,
		Objective:       "vol",
	}
}

// BlockSplit returns the contiguous [begin,end) range of rank n when
// maxIndex items are split over np ranks with an imbalance of at most one.
func BlockSplit(n, np, maxIndex int) (begin, end int) {
	chunk := maxIndex / np
	remainder := maxIndex % np
	var startAdd, endAdd int
	if remainder != 0 {
		if n+1 > remainder {
			startAdd = remainder
		} else {
			startAdd = n
			endAdd = 1
		}
	}
	begin = n*chunk + startAdd
	end = begin + chunk + endAdd
	return
}

// Partition computes the element-to-rank map for the given strategy. The
// graph strategy calls METIS on the conforming dual graph; simple
// strategies need no external library and are what the in-process tests
// use.
func (m *Mesh) Partition(np int, strategy PartitionStrategy) ([]int, error) {
	if np < 1 {
		return nil, fmt.Errorf("partition count must be positive, got %d", np)
	}
	eToP := make([]int, m.NumElems())
	switch strategy {
	case BlockPartition:
		for n := 0; n < np; n++ {
			begin, end := BlockSplit(n, np, m.NumElems())
			for k := begin; k < end; k++ {
				eToP[k] = n
			}
		}
	case RoundRobin:
		for k := range eToP {
			eToP[k] = k % np
		}
	case GraphPartition:
		return m.metisPartition(DefaultPartitionConfig(int32(np)))
	default:
		return nil, fmt.Errorf("unknown partition strategy %d", strategy)
	}
	return eToP, nil
}

// metisPartition builds the CSR dual graph expected by METIS and invokes
// the weighted k-way partitioner, minimizing the configured objective.
func (m *Mesh) metisPartition(config *PartitionConfig) ([]int, error) {
	log.Printf("Partitioning mesh with %d elements into %d parts",
		m.NumElems(), config.NumPartitions)

	xadj := make([]int32, 1, m.NumElems()+1)
	var adjncy, adjwgt []int32
	for k := range m.EToV {
		for f := 0; f < 4; f++ {
			if nbr := m.EToE[k][f]; nbr >= 0 {
				adjncy = append(adjncy, int32(nbr))
				// Cost proportional to the number of face dofs; for quads
				// every interface carries the same edge trace.
				adjwgt = append(adjwgt, 1)
			}
		}
		xadj = append(xadj, int32(len(adjncy)))
	}

	opts := make([]int32, metis.NoOptions)
	if err := metis.SetDefaultOptions(opts); err != nil {
		return nil, fmt.Errorf("failed to set METIS options: %w", err)
	}
	if config.Objective == "vol" {
		opts[metis.OptionObjType] = metis.ObjTypeVol
	} else {
		opts[metis.OptionObjType] = metis.ObjTypeCut
	}
	ubvec := []float32{config.ImbalanceFactor}
	var adjwgtPtr []int32
	if config.UseEdgeWeights {
		adjwgtPtr = adjwgt
	}
	part, objval, err := metis.PartGraphKwayWeighted(
		xadj, adjncy, nil, adjwgtPtr,
		config.NumPartitions, nil, ubvec, opts,
	)
	if err != nil {
		return nil, fmt.Errorf("METIS partitioning failed: %w", err)
	}
	log.Printf("METIS objective value: %d", objval)

	eToP := make([]int, m.NumElems())
	for k := range eToP {
		eToP[k] = int(part[k])
	}
	return eToP, nil
}
