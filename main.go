package main

import (
	"github.com/cortex-realm/cortex/cmd"
)

func main() {
	cmd.Execute()
}
