package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
)

// keycmd hosts the identity subcommands, which need no replica.
type keycmd struct{}

func (keycmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"generate-author": {F: func(_ context.Context, fs *flag.FlagSet, args []string) error {
			if err := fs.Parse(args); err != nil {
				return errors.Wrap(err, "parsing args")
			}
			if fs.NArg() == 0 {
				return errors.New("missing shortname")
			}
			kp, err := crypto.GenerateAuthorKeypair(crypto.Default(), fs.Arg(0))
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(kp)
		}},
		"generate-share": {F: func(_ context.Context, fs *flag.FlagSet, args []string) error {
			if err := fs.Parse(args); err != nil {
				return errors.Wrap(err, "parsing args")
			}
			if fs.NArg() == 0 {
				return errors.New("missing share name")
			}
			kp, err := crypto.GenerateShareKeypair(crypto.Default(), fs.Arg(0))
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(kp)
		}},
	}
}

func (c maincmd) set(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		keyfile = fs.String("keypair", "", "path to author keypair file")
		path    = fs.String("path", "", "document path")
		text    = fs.String("text", "", "document text")
		attach  = fs.String("attach", "", "file to attach (optional)")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *keyfile == "" || *path == "" {
		return errors.New("must supply -keypair and -path")
	}

	kp, err := loadKeypair(*keyfile)
	if err != nil {
		return errors.Wrap(err, "loading keypair")
	}

	input := replica.SetInput{
		Path: earthstar.Path(*path),
		Text: *text,
	}
	if *attach != "" {
		f, err := os.Open(*attach)
		if err != nil {
			return errors.Wrapf(err, "opening %s", *attach)
		}
		defer f.Close()
		input.Attachment = f
	}

	result, err := c.r.Set(ctx, kp, nil, input)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s @%d\n", result.Kind, result.Doc.Path, result.Doc.Timestamp)
	return nil
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	attachment := fs.Bool("attachment", false, "fetch the attachment instead of the text")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("missing path")
	}

	doc, err := c.r.GetLatestDocAtPath(ctx, earthstar.Path(fs.Arg(0)))
	if err != nil {
		return err
	}
	if doc == nil {
		return errors.Wrapf(earthstar.ErrNotFound, "no document at %q", fs.Arg(0))
	}

	if *attachment {
		rc, err := c.r.GetAttachment(ctx, *doc)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(os.Stdout, rc)
		return errors.Wrap(err, "writing attachment to stdout")
	}

	fmt.Println(doc.Body())
	return nil
}

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	glob := fs.String("glob", "", "path glob filter")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	q := query.Query{HistoryMode: query.HistoryLatest}
	if *glob != "" {
		q.Filter = &query.Filter{PathGlob: *glob}
	}
	paths, err := c.r.QueryPaths(ctx, q)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func (c maincmd) docs(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	docs, err := c.r.GetAllDocs(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}

func (c maincmd) wipe(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		keyfile = fs.String("keypair", "", "path to author keypair file")
		path    = fs.String("path", "", "path to wipe (default: every doc by this author in the default format)")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *keyfile == "" {
		return errors.New("must supply -keypair")
	}

	kp, err := loadKeypair(*keyfile)
	if err != nil {
		return errors.Wrap(err, "loading keypair")
	}

	if *path != "" {
		_, err := c.r.WipeDocAtPath(ctx, kp, earthstar.Path(*path))
		return err
	}

	count, err := c.r.OverwriteAllDocsByAuthor(ctx, kp, nil)
	if err != nil {
		return err
	}
	fmt.Printf("wiped %d docs\n", count)
	return nil
}

func (c maincmd) config(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("missing config key")
	}
	value, err := c.r.GetConfig(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}
