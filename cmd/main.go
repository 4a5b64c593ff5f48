package main

import (
	"github.com/rvmedia/mediagraph/cmdmain"
	_ "github.com/rvmedia/mediagraph/subcmd"
)

func main() {
	cmdmain.Main()
}
