package main

import "github.com/rudransh-shrivastava/peer-trade/internal/cli"

func main() {
	cli.Execute()
}
