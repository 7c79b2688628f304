package main

import "github.com/kashguard/go-train-infra/cmd"

func main() {
	cmd.Execute()
}
