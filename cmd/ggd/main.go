package main

import (
	"log"

	"github.com/gpuguard/gpu-guard/pkg/daemon"
)

func main() {
	if err := daemon.Serve(); err != nil {
		log.Fatal(err)
	}
}
