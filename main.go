// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/an-anime-team/wineyard/cmd/wineyard"

func main() {
	cmd.Execute()
}
