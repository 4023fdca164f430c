package main

import (
	"libcall.sandbox/internal/cli"
	"libcall.sandbox/pkg/ipc"
)

func main() {
	ipc.Init()
	cli.Execute()
}
