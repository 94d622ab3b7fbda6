package InputParameters

import (
	"fmt"

	"github.com/ghodss/yaml"
)

// Parameters obtained from the YAML input file
type InputParameters2D struct {
	Title           string    `yaml:"Title"`
	Nx              int       `yaml:"Nx"`
	Ny              int       `yaml:"Ny"`
	PolynomialOrder int       `yaml:"PolynomialOrder"`
	NProcs          int       `yaml:"NProcs"`
	VDim            int       `yaml:"VDim"`
	Ordering        string    `yaml:"Ordering"`  // "nodes" or "vdim"
	Partition       string    `yaml:"Partition"` // "block", "roundrobin" or "metis"
	RefineLevels    int       `yaml:"RefineLevels"`
	RefineBox       []float64 `yaml:"RefineBox"` // [xmin, xmax, ymin, ymax]; empty refines everywhere
}

func (ip *InputParameters2D) Parse(data []byte) error {
	return yaml.Unmarshal(data, ip)
}

// Defaults fills unset fields so a minimal input file still runs.
func (ip *InputParameters2D) Defaults() {
	if ip.Nx == 0 {
		ip.Nx = 4
	}
	if ip.Ny == 0 {
		ip.Ny = 4
	}
	if ip.PolynomialOrder == 0 {
		ip.PolynomialOrder = 1
	}
	if ip.NProcs == 0 {
		ip.NProcs = 1
	}
	if ip.VDim == 0 {
		ip.VDim = 1
	}
	if ip.Ordering == "" {
		ip.Ordering = "nodes"
	}
	if ip.Partition == "" {
		ip.Partition = "block"
	}
}

func (ip *InputParameters2D) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", ip.Title)
	fmt.Printf("[%dx%d]\t\t\t= Mesh\n", ip.Nx, ip.Ny)
	fmt.Printf("[%d]\t\t\t\t= Polynomial Order\n", ip.PolynomialOrder)
	fmt.Printf("[%d]\t\t\t\t= Ranks\n", ip.NProcs)
	fmt.Printf("[%d]\t\t\t\t= VDim\n", ip.VDim)
	fmt.Printf("[%s]\t\t\t= Ordering\n", ip.Ordering)
	fmt.Printf("[%s]\t\t\t= Partition\n", ip.Partition)
	fmt.Printf("[%d]\t\t\t\t= Refinement Levels\n", ip.RefineLevels)
	if len(ip.RefineBox) == 4 {
		fmt.Printf("%v\t= Refine Box\n", ip.RefineBox)
	}
}
