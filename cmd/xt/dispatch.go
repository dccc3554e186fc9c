package main

import (
	"context"
	"flag"
	"io"
	"sort"
	"strings"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// abbrevLen is the shortest accepted abbreviation of a keyword.
const abbrevLen = 4

type command struct {
	words []string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
	// local commands need no stores.
	local func(out io.Writer, args []string) error
}

func (c command) name() string { return strings.Join(c.words, " ") }

// resolveWord matches word against keywords: an exact match, or a unique
// keyword it abbreviates by at least four characters.
func resolveWord(word string, keywords []string) (string, error) {
	word = strings.ToLower(word)
	var hits []string
	for _, k := range keywords {
		if k == word {
			return k, nil
		}
		if len(word) >= abbrevLen && strings.HasPrefix(k, word) {
			hits = append(hits, k)
		}
	}
	switch len(hits) {
	case 1:
		return hits[0], nil
	case 0:
		return "", xterr.Syntax("unknown command %q", word)
	}
	sort.Strings(hits)
	return "", xterr.Syntax("%q is ambiguous: %s", word, strings.Join(hits, ", "))
}

// resolveCommand consumes the command words at the head of args.
func resolveCommand(args []string) (command, []string, error) {
	if len(args) == 0 {
		return command{}, nil, xterr.Syntax("no command given; try 'xt help'")
	}
	candidates := commands()
	for depth := 0; ; depth++ {
		var keywords []string
		seen := map[string]bool{}
		for _, c := range candidates {
			if depth < len(c.words) && !seen[c.words[depth]] {
				seen[c.words[depth]] = true
				keywords = append(keywords, c.words[depth])
			}
		}
		for _, c := range candidates {
			if len(c.words) == depth {
				return c, args, nil
			}
		}
		if len(args) == 0 {
			return command{}, nil, xterr.Syntax("incomplete command; expected one of: %s", strings.Join(keywords, ", "))
		}
		word, err := resolveWord(args[0], keywords)
		if err != nil {
			return command{}, nil, err
		}
		var next []command
		for _, c := range candidates {
			if depth < len(c.words) && c.words[depth] == word {
				next = append(next, c)
			}
		}
		candidates = next
		args = args[1:]
	}
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseInterspersed parses flags that may appear before, between or after
// positional arguments. "--" ends flag parsing.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, xterr.Syntax("%s: %v", fs.Name(), err)
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if len(args) > len(rest) && args[len(args)-len(rest)-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// listFlag collects repeated or comma separated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func needArgs(name string, args []string, n int) error {
	if len(args) < n {
		return xterr.Syntax("%s needs %d argument(s)", name, n)
	}
	return nil
}

func sortedServiceNames(file config.File) []string {
	names := make([]string, 0, len(file.Services))
	for name := range file.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
