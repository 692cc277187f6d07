package main

import (
	"os"

	"github.com/quayd/quayd/registry"
	_ "github.com/quayd/quayd/registry/storage/driver/filesystem"
	_ "github.com/quayd/quayd/registry/storage/driver/inmemory"
	_ "github.com/quayd/quayd/registry/storage/driver/s3"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
