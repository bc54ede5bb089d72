package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"wagate/cmd/wagate/cmds"
)

func main() {
	if err := cmds.Execute(); err != nil {
		log.WithError(err).Error("wagate failed")
		os.Exit(1)
	}
}
