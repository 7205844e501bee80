// The main package for the beatmap-mirror executable.
package main

import "github.com/JakeFAU/beatmap-mirror/cmd"

func main() {
	cmd.Execute()
}
