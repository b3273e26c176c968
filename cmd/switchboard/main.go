package main

import "github.com/kradalby/switchboard"

func main() {
	switchboard.Main()
}
