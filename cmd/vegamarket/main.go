// Command vegamarket runs and drives a fixed-price asset market relay.
package main

import (
	"fmt"
	"os"

	"github.com/kaifufi/vega-market-go/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
