// Command q330ctl runs host sessions for Q330 digitizers.
//
//	q330ctl run --config stations.yaml
//	q330ctl ping --address 192.0.2.10 --serial 0100000A1B2C3D4E
//	q330ctl cont show /var/lib/q330/xx-test.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
