package main

import (
	"github.com/luma/switchboard/cmd"
)

func main() {
	cmd.Execute()
}
