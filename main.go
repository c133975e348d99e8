/*
	Copyright 2023 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/racetimer-go/cmd"

func main() {
	cmd.Execute()
}
