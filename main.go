package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"redo/common"
	"redo/config"
	"redo/wal"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := config.Default()
	cfg.Dir = "redo-demo"
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		common.PanicIfErr(err)
		cfg = loaded
	}

	l, err := wal.Create(cfg, nil, logger)
	common.PanicIfErr(err)

	prometheus.MustRegister(l.Collector())

	lsn := l.CurrentLSN()
	for i := 0; i < 50; i++ {
		rec := []byte(fmt.Sprintf("demo record %d\n", i))

		common.PanicIfErr(l.AppendPrepare(len(rec)))
		l.Append(rec)
		lsn += wal.LSN(len(rec))
		l.AppendFinish(lsn)

		common.PanicIfErr(l.FreeCheck())
	}

	common.PanicIfErr(l.BufferFlushToDisk(true))
	common.PanicIfErr(l.Checkpoint())

	l.PrintInfo(os.Stdout)
	common.PanicIfErr(l.Close())
}
