package main

import "github.com/helloworld922/mfem/cmd"

func main() {
	cmd.Execute()
}
