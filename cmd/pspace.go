/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/helloworld922/mfem/InputParameters"
	"github.com/helloworld922/mfem/fec"
	"github.com/helloworld922/mfem/mesh"
	"github.com/helloworld922/mfem/parallel"
	"github.com/helloworld922/mfem/parspace"
)

// PSpaceCmd represents the pspace command
var PSpaceCmd = &cobra.Command{
	Use:   "pspace",
	Short: "Builds the distributed dof numbering over a partitioned mesh",
	Long: `Builds a structured quad mesh, optionally refines part of it to create
hanging nodes, partitions it over in-process ranks and constructs the
parallel dof numbering with its prolongation and restriction operators.`,
	Run: func(cmd *cobra.Command, args []string) {
		inputFile, err := cmd.Flags().GetString("input")
		if err != nil {
			panic(err)
		}
		prof, _ := cmd.Flags().GetBool("profile")
		ip := processInput(inputFile)
		ip.Print()
		if prof {
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
		}
		RunPSpace(ip)
	},
}

func processInput(inputFile string) (ip *InputParameters.InputParameters2D) {
	if len(inputFile) == 0 {
		inputFile = defaultInputFile()
	}
	if len(inputFile) == 0 {
		err := fmt.Errorf("must supply an input parameters file (-I, --input) in YAML format")
		fmt.Printf("error: %s\n", err.Error())
		exampleFile := `
########################################
Title: "Locally Refined Space"
Nx: 8
Ny: 8
PolynomialOrder: 2
NProcs: 4
Partition: block # or "roundrobin", "metis"
RefineLevels: 2
RefineBox: [0., 0.5, 0., 0.5]
########################################
`
		fmt.Printf("Example File:%s\n", exampleFile)
		os.Exit(1)
	}
	data, err := ioutil.ReadFile(inputFile)
	if err != nil {
		panic(err)
	}
	ip = &InputParameters.InputParameters2D{}
	if err = ip.Parse(data); err != nil {
		panic(err)
	}
	ip.Defaults()
	return
}

func init() {
	rootCmd.AddCommand(PSpaceCmd)
	PSpaceCmd.Flags().StringP("input", "I", "", "YAML file for input parameters like:\n\t- Nx, Ny\n\t- PolynomialOrder\n\t- NProcs")
	PSpaceCmd.Flags().BoolP("profile", "p", false, "write a CPU profile of the build to the current directory")
}

// markForRefinement marks the elements whose center falls inside the box,
// or every element when no box is given.
func markForRefinement(m *mesh.Mesh, box []float64) []bool {
	marks := make([]bool, m.NumElems())
	for k, ev := range m.EToV {
		if len(box) != 4 {
			marks[k] = true
			continue
		}
		var cx, cy float64
		for _, v := range ev {
			cx += 0.25 * m.VX[v]
			cy += 0.25 * m.VY[v]
		}
		marks[k] = cx >= box[0] && cx <= box[1] && cy >= box[2] && cy <= box[3]
	}
	return marks
}

func partitionStrategy(name string) (mesh.PartitionStrategy, error) {
	switch name {
	case "block":
		return mesh.BlockPartition, nil
	case "roundrobin":
		return mesh.RoundRobin, nil
	case "metis":
		return mesh.GraphPartition, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

func RunPSpace(ip *InputParameters.InputParameters2D) {
	m := mesh.CartesianQuad(ip.Nx, ip.Ny)
	for l := 0; l < ip.RefineLevels; l++ {
		m = m.Refine(markForRefinement(m, ip.RefineBox))
	}
	log.Printf("mesh: %d elements, %d vertices, %d edges, nonconforming=%v",
		m.NumElems(), m.NumVerts(), m.NumEdges(), m.Nonconforming())

	strategy, err := partitionStrategy(ip.Partition)
	if err != nil {
		log.Fatal(err)
	}
	eToP, err := m.Partition(ip.NProcs, strategy)
	if err != nil {
		log.Fatal(err)
	}
	locals, err := mesh.Distribute(m, eToP, ip.NProcs)
	if err != nil {
		log.Fatal(err)
	}

	ordering := parspace.ByNodes
	if ip.Ordering == "vdim" {
		ordering = parspace.ByVDim
	}
	r := parallel.NewRunner(ip.NProcs)
	err = r.Run(func(c *parallel.Comm) error {
		sp, err := parspace.New(c, locals[c.Rank()], fec.NewH1(ip.PolynomialOrder),
			parspace.Options{VDim: ip.VDim, Ordering: ordering})
		if err != nil {
			return err
		}
		P, err := sp.ProlongationMatrix()
		if err != nil {
			return err
		}
		R := sp.RestrictionMatrix()
		sp.PrintStats()
		if c.Rank() == 0 {
			stats := sp.LastBuildStats()
			log.Printf("prolongation: %d nnz local, restriction: %d nnz local", P.NNZ(), R.NNZ())
			if sp.Mesh.NC {
				log.Printf("row propagation: %d rounds, %d rows sent, %d forwarded",
					stats.Rounds, stats.RowsSent, stats.RowsForwarded)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
}
