// Command rocketdata-repl is an interactive shell around a consistency
// manager: watch identities, write and delete models, pause and resume
// observers, and see deliveries arrive.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/pkg/errors"

	"github.com/plivesey/rocketdata"
	"github.com/plivesey/rocketdata/cache"
	"github.com/plivesey/rocketdata/model"
	"github.com/plivesey/rocketdata/provider"
)

// note is the toy model the shell manipulates: a leaf with an identity and a
// line of text.
type note struct {
	id   string
	text string
}

func (n *note) Identity() string { return n.id }

func (n *note) IsEqual(other model.Node) bool {
	o, ok := other.(*note)
	return ok && o.id == n.id && o.text == n.text
}

func (n *note) ForEachChild(visit func(model.Node)) {}

func (n *note) MapChildren(transform func(model.Node) model.Node) model.Node {
	return n
}

type noteCodec struct{}

func (noteCodec) Encode(n model.Node) ([]byte, error) {
	v, ok := n.(*note)
	if !ok {
		return nil, errors.Errorf("cannot encode %T", n)
	}
	return []byte(v.id + "\n" + v.text), nil
}

func (noteCodec) Decode(data []byte) (model.Node, error) {
	id, text, ok := strings.Cut(string(data), "\n")
	if !ok {
		return nil, errors.New("malformed note record")
	}
	return &note{id: id, text: text}, nil
}

// watcher prints every delivery for the identity it holds.
type watcher struct {
	id       string
	provider *provider.DataProvider
}

func (w *watcher) DataUpdated(p *provider.DataProvider, changes model.Changes, context any) {
	n := p.Data()
	if n == nil {
		fmt.Printf("%s: deleted (%s)\n", w.id, changes.String())
		return
	}
	fmt.Printf("%s: %q (%s)\n", w.id, n.(*note).text, changes.String())
}

type REPL struct {
	cm       *rocketdata.Manager
	store    cache.Cache
	db       *cache.PebbleCache
	rl       *readline.Instance
	watchers map[string]*watcher
}

var ErrNotWatched = errors.New("identity not watched")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("watch"),
	readline.PcItem("unwatch"),
	readline.PcItem("list"),

	readline.PcItem("set"),
	readline.PcItem("del"),
	readline.PcItem("get"),
	readline.PcItem("fetch"),

	readline.PcItem("pause"),
	readline.PcItem("resume"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".rocketdata_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	repl.cm = rocketdata.New(rocketdata.Options{})
	if len(os.Args) > 1 {
		// a directory argument makes the cache durable
		repl.db, err = cache.OpenPebble(os.Args[1], noteCodec{})
		if err != nil {
			return
		}
		repl.store = repl.db
	} else {
		repl.store = cache.NewMemory()
	}
	repl.watchers = make(map[string]*watcher)
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	if repl.cm != nil {
		_ = repl.cm.Close()
		repl.cm = nil
	}
	if repl.db != nil {
		_ = repl.db.Close()
		repl.db = nil
	}
	return nil
}

func (repl *REPL) REPL() (err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help":
		err = repl.CommandHelp(arg)
	case "watch":
		err = repl.CommandWatch(arg)
	case "unwatch":
		err = repl.CommandUnwatch(arg)
	case "ls", "list":
		err = repl.CommandList(arg)
	case "set":
		err = repl.CommandSet(arg)
	case "del", "delete":
		err = repl.CommandDelete(arg)
	case "get", "cat":
		err = repl.CommandGet(arg)
	case "fetch":
		err = repl.CommandFetch(arg)
	case "pause":
		err = repl.CommandPause(arg)
	case "resume":
		err = repl.CommandResume(arg)
	case "exit", "quit":
		err = io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	// let deliveries print before the next prompt
	if err == nil {
		repl.cm.Settle()
	}
	return err
}

var HelpHelp = errors.New("" +
	"watch Note:1        observe an identity\n" +
	"unwatch Note:1      stop observing\n" +
	"list                show watched identities\n" +
	"set Note:1 text     write a model\n" +
	"del Note:1          delete an identity everywhere\n" +
	"get Note:1          print the watched model\n" +
	"fetch Note:1        resolve through the cache\n" +
	"pause Note:1        pause deliveries to an observer\n" +
	"resume Note:1       resume, coalesced into one delivery\n" +
	"exit | quit")

func (repl *REPL) CommandHelp(arg string) error {
	return HelpHelp
}

var HelpWatch = errors.New("watch Note:1")

func (repl *REPL) CommandWatch(arg string) error {
	if arg == "" {
		return HelpWatch
	}
	if _, ok := repl.watchers[arg]; ok {
		fmt.Printf("already watching %s\n", arg)
		return nil
	}
	w := &watcher{id: arg, provider: provider.New(repl.cm, repl.store)}
	w.provider.Delegate = w
	repl.watchers[arg] = w
	fmt.Printf("watching %s\n", arg)
	return nil
}

func (repl *REPL) CommandUnwatch(arg string) error {
	w, ok := repl.watchers[arg]
	if !ok {
		return ErrNotWatched
	}
	rocketdata.RemoveListener(repl.cm, w.provider)
	delete(repl.watchers, arg)
	fmt.Printf("stopped watching %s\n", arg)
	return nil
}

func (repl *REPL) CommandList(arg string) error {
	for id, w := range repl.watchers {
		state := "empty"
		if n := w.provider.Data(); n != nil {
			state = fmt.Sprintf("%q", n.(*note).text)
		}
		if repl.cm.IsListenerPaused(w.provider) {
			state += " [paused]"
		}
		fmt.Printf("%s: %s\n", id, state)
	}
	return nil
}

var HelpSet = errors.New("set Note:1 some text")

func (repl *REPL) CommandSet(arg string) error {
	id, text, ok := strings.Cut(arg, " ")
	if !ok || id == "" {
		return HelpSet
	}
	n := &note{id: id, text: strings.TrimSpace(text)}
	if w, watched := repl.watchers[id]; watched {
		w.provider.SetData(n, id, nil)
		return nil
	}
	repl.cm.UpdateModel(n, nil)
	return nil
}

var HelpDelete = errors.New("del Note:1")

func (repl *REPL) CommandDelete(arg string) error {
	if arg == "" {
		return HelpDelete
	}
	repl.cm.DeleteModel(&note{id: arg}, nil)
	return nil
}

func (repl *REPL) CommandGet(arg string) error {
	w, ok := repl.watchers[arg]
	if !ok {
		return ErrNotWatched
	}
	n := w.provider.Data()
	if n == nil {
		fmt.Printf("%s: empty\n", arg)
		return nil
	}
	fmt.Printf("%s: %q\n", arg, n.(*note).text)
	return nil
}

func (repl *REPL) CommandFetch(arg string) error {
	w, ok := repl.watchers[arg]
	if !ok {
		return ErrNotWatched
	}
	done := make(chan struct{})
	w.provider.Fetch(context.Background(), arg, func(n model.Node, err error) {
		defer close(done)
		if err != nil {
			fmt.Printf("fetch failed: %s\n", err)
			return
		}
		if n == nil {
			fmt.Printf("%s: not cached\n", arg)
			return
		}
		fmt.Printf("%s: %q\n", arg, n.(*note).text)
	})
	<-done
	return nil
}

func (repl *REPL) CommandPause(arg string) error {
	w, ok := repl.watchers[arg]
	if !ok {
		return ErrNotWatched
	}
	rocketdata.PauseListener(repl.cm, w.provider)
	fmt.Printf("paused %s\n", arg)
	return nil
}

func (repl *REPL) CommandResume(arg string) error {
	w, ok := repl.watchers[arg]
	if !ok {
		return ErrNotWatched
	}
	repl.cm.ResumeListener(w.provider)
	fmt.Printf("resumed %s\n", arg)
	return nil
}

func main() {
	repl := REPL{}

	err := repl.Open()
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		}
		err = repl.REPL()
	}
	_ = repl.Close()
}
