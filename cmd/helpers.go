package cmd

import (
	"fmt"
	"runtime"

	"keyfeed/pkg/version"
)

func printVersion(verbose bool) {
	fmt.Println("Keyfeed version: ", version.Version, runtime.GOOS+"/"+runtime.GOARCH)
	if verbose {
		fmt.Println("  Commit: ", version.Commit)
		fmt.Println("  Built:  ", version.BuildDate)
		fmt.Println("  Go:     ", runtime.Version())
	}
}
