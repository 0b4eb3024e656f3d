package main

import (
	_ "github.com/lib/pq"

	"github.com/bisibesi/replicator/cmd"
)

func main() {
	cmd.Execute()
}
