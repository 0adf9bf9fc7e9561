// gobusdctl is the CLI client for the gobusd message broker.
package main

import "github.com/wirebus/gobusd/cmd/gobusdctl/commands"

func main() {
	commands.Execute()
}
