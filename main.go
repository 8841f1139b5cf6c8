package main

import "github.com/edgeflare/mqtt2pg/cmd/mqtt2pg"

func main() {
	mqtt2pg.Main()
}
