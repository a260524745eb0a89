// main.go
package main

import (
	"log"

	"peerprep/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
