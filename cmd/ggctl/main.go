package main

import "github.com/gpuguard/gpu-guard/pkg/ctl"

func main() {
	ctl.Execute()
}
