package cmd

import (
	"fmt"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  _____                                    _
 |_   _| __ __ _ _ __  ___  ___ _ __ _   _ _ __ | |_
   | || '__/ _` + "`" + ` | '_ \/ __|/ __| '__| | | | '_ \| __|
   | || | | (_| | | | \__ \ (__| |  | |_| | |_) | |_
   |_||_|  \__,_|_| |_|___/\___|_|   \__, | .__/ \__|
                                     |___/|_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Transcript Access Ledger - Version %s\x1b[0m\n\n", Version)
}
