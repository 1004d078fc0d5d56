package main

import (
	cmd "github.com/dreamforge/dream-server/cmd/dream"
)

func main() {
	cmd.Execute()
}
