package main

import (
	"os"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
)

func main() {
	log.InitLogger()

	if err := NewRootCmd().Execute(); err != nil {
		log.Errorf("%v", err)
		log.Sync()
		os.Exit(1)
	}
}
