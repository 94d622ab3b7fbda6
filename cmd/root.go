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
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mfem",
	Short: "Distributed finite element space utilities for partitioned 2D meshes",
	Long: `Builds the parallel degree-of-freedom numbering of a finite element
space over a partitioned quadrilateral mesh and the prolongation and
restriction operators relating local dofs to the global true dofs.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// defaultInputFile looks for a parameters file in the home directory, used
// when a command is run without an explicit input flag.
func defaultInputFile() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".mfem.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
