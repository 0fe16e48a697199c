package main

import "AirbandBridge/cmd"

func main() {
	cmd.Execute()
}
