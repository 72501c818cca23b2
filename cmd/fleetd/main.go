package main

import "github.com/virtfleet/fleet/cmd/fleetd/cmd"

func main() {
	cmd.Execute()
}
