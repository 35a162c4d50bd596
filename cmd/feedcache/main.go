// Command feedcache はタイムライン配送エンジンのAPIサーバーとワーカーを起動する。
//
//	feedcache [serve|worker|migrate|regenerate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/feedcache/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "feedcache: %v\n", err)
		os.Exit(1)
	}
}
