package main

import (
	"keyfeed/cmd"
)

func main() {
	cmd.Execute()
}
