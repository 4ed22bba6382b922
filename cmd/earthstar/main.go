// Command earthstar is a CLI for inspecting and writing to a local
// Earthstar replica.
//
// The replica's drivers come from a JSON config file, e.g.
//
//	{"type": "sqlite3", "share": "+gardening.b...", "db": "gardening.db", "attachments": "gardening-atts"}
//
// Identity subcommands (generate-author, generate-share) work without a
// config file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/bobg/subcmd"
	"github.com/lmittmann/tint"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
	_ "github.com/earthstar-project/earthstar-go/store/badger"
	_ "github.com/earthstar-project/earthstar-go/store/file"
	_ "github.com/earthstar-project/earthstar-go/store/mem"
	_ "github.com/earthstar-project/earthstar-go/store/pg"
	_ "github.com/earthstar-project/earthstar-go/store/sqlite3"
)

type maincmd struct {
	r *replica.Replica
}

func main() {
	var (
		config  = flag.String("config", "earthstar.json", "path to config file")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))

	ctx := context.Background()
	args := flag.Args()

	// Identity commands need no replica.
	if len(args) > 0 && (args[0] == "generate-author" || args[0] == "generate-share") {
		err := subcmd.Run(ctx, keycmd{}, args)
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	f, err := os.Open(*config)
	if err != nil {
		log.Fatalf("Opening config file %s: %s", *config, err)
	}
	var conf map[string]interface{}
	err = json.NewDecoder(f).Decode(&conf)
	f.Close()
	if err != nil {
		log.Fatalf("Decoding config file %s: %s", *config, err)
	}

	typ, ok := conf["type"].(string)
	if !ok {
		log.Fatalf("Config file %s missing `type` parameter", *config)
	}
	shareStr, ok := conf["share"].(string)
	if !ok {
		log.Fatalf("Config file %s missing `share` parameter", *config)
	}
	share := earthstar.ShareAddress(shareStr)

	driver, err := store.Create(ctx, typ, share, conf)
	if err != nil {
		log.Fatalf("Creating %s-type driver: %s", typ, err)
	}

	r, err := replica.Open(ctx, replica.Config{
		Share:  share,
		Driver: driver,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Opening replica: %s", err)
	}
	defer r.Close(ctx, false)

	err = subcmd.Run(ctx, maincmd{r: r}, args)
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"set":    {F: c.set},
		"get":    {F: c.get},
		"ls":     {F: c.ls},
		"docs":   {F: c.docs},
		"wipe":   {F: c.wipe},
		"config": {F: c.config},
	}
}

func loadKeypair(path string) (earthstar.AuthorKeypair, error) {
	var kp earthstar.AuthorKeypair
	raw, err := os.ReadFile(path)
	if err != nil {
		return kp, err
	}
	return kp, json.Unmarshal(raw, &kp)
}
