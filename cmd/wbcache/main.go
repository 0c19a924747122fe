package main

import "github.com/unkn0wn-root/wbcache/internal/cli"

func main() {
	cli.Execute()
}
