// freelanctl -- CLI client for the freelan daemon's admin HTTP API.
package main

import "github.com/freelan-go/freelan/cmd/freelanctl/commands"

func main() {
	commands.Execute()
}
