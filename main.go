package main

import "github.com/growcache/growcache/cmd"

func main() {
	cmd.Execute()
}
