// Command changestream-tail prints MongoDB change events as extended JSON
// lines. Run with:
//
//	go run ./cmd/changestream-tail watch shop.orders --uri mongodb://localhost:27017/?replicaSet=rs0
package main

import (
	"fmt"
	"os"

	"github.com/durable-streams/changestream-go/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
