// The main package for the vine-crawler executable.
package main

import "github.com/JakeFAU/vine-crawler/cmd"

func main() {
	cmd.Execute()
}
