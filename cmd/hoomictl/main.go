package main

import "go.pilab.hu/hoomi/cmd/hoomictl/cmd"

func main() {
	cmd.Execute()
}
