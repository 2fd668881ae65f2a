package main

import "github.com/safe-mcp/gateway/cmd/safemcp-gateway/cmd"

func main() {
	cmd.Execute()
}
