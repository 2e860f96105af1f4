// The main package for the branch-harvester executable.
package main

import (
	"github.com/JakeFAU/bitbucket-branch-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
