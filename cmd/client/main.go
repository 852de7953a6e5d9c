package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/securechat/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.config/securechat/client.toml", "Path to config file")
	server := flag.String("server", "", "Server address: host:port, ssh://user@host:port or ws(s)://host:port (overrides config)")
	nick := flag.String("nick", "", "Nickname (overrides config)")
	code := flag.String("code", "", "One-time code (prompted for when empty)")
	downloadDir := flag.String("download-dir", "", "Where received files are written (overrides config)")
	debug := flag.Bool("debug", false, "Log protocol details to stderr")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("SecureChat Client %s\n", Version)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *server != "" {
		config.Connection.Server = *server
	}
	if *downloadDir != "" {
		config.Local.DownloadDir = *downloadDir
	}

	opts, err := config.Options()
	if err != nil {
		log.Fatalf("Failed to prepare client: %v", err)
	}

	input := bufio.NewScanner(os.Stdin)
	ask := func(prompt string) (string, error) {
		fmt.Print(PromptStyle.Render(prompt))
		if !input.Scan() {
			if err := input.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(input.Text()), nil
	}

	if *nick != "" {
		opts.Nickname = *nick
	}
	if opts.Nickname == "" {
		if opts.Nickname, err = ask("Nickname: "); err != nil {
			log.Fatalf("No nickname: %v", err)
		}
	}
	opts.OneTimeCode = *code
	if opts.OneTimeCode == "" {
		if opts.OneTimeCode, err = ask("One-time code: "); err != nil {
			log.Fatalf("No one-time code: %v", err)
		}
	}
	opts.RetryNickname = func(warning string) (string, error) {
		fmt.Println(WarningStyle.Render(warning))
		return ask("Nickname: ")
	}
	if *debug {
		opts.Logger = log.New(os.Stderr, "[client] ", log.Ltime|log.Lmicroseconds)
	}

	fmt.Println(NoticeStyle.Render("Connecting to " + config.Connection.Server + "..."))
	c, err := client.Dial(config.Connection.Server, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render(err.Error()))
		os.Exit(1)
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Connected as %s. Type /help for commands.", c.Nickname())))

	r := &renderer{out: os.Stdout}
	if config.UI.ShowTimestamps {
		r.timeFormat = config.UI.TimestampFormat
	}

	var wg sync.WaitGroup
	wg.Add(1)
	disconnected := make(chan error, 1)
	go func() {
		defer wg.Done()
		for ev := range c.Events() {
			if d, ok := ev.(client.DisconnectedEvent); ok {
				disconnected <- d.Err
				continue
			}
			r.render(ev)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for input.Scan() {
			lines <- input.Text()
		}
	}()

	exitCode := 0
loop:
	for {
		select {
		case err := <-disconnected:
			if err != nil {
				fmt.Fprintln(os.Stderr, ErrorStyle.Render("Disconnected: "+err.Error()))
				exitCode = 1
			}
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			err := execute(c, line, r)
			if errors.Is(err, errQuit) {
				break loop
			}
			if err != nil {
				r.println(ErrorStyle.Render(err.Error()))
			}
		}
	}

	c.Close()
	wg.Wait()
	os.Exit(exitCode)
}

// renderer serializes terminal output from the event loop and the input loop
type renderer struct {
	mu         sync.Mutex
	out        io.Writer
	timeFormat string
}

func (r *renderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

func (r *renderer) println(s string) {
	if r.timeFormat != "" {
		s = TimestampStyle.Render(time.Now().Format(r.timeFormat)) + " " + s
	}
	fmt.Fprintln(r, s)
}

func (r *renderer) render(ev client.Event) {
	switch e := ev.(type) {
	case client.MessageEvent:
		if e.Err != nil {
			r.println(ErrorStyle.Render(fmt.Sprintf("Could not decrypt a message from %s: %v", e.Nickname, e.Err)))
			return
		}
		if e.Whisper {
			r.println(WhisperStyle.Render(fmt.Sprintf("%s whispers: %s", e.Nickname, e.Text)))
			return
		}
		r.println(AuthorStyle.Render(e.Nickname) + ": " + e.Text)
	case client.FileEvent:
		if e.Path == "" {
			r.println(ErrorStyle.Render(fmt.Sprintf("Failed to receive a file from %s: %v", e.Nickname, e.Err)))
			return
		}
		msg := fmt.Sprintf("%s sent %s (%s), saved to %s", e.Nickname, e.Name, client.FormatBytes(uint64(e.Size)), e.Path)
		if !e.Trusted {
			r.println(WarningStyle.Render(msg + ". Fingerprint mismatch, do not trust this file"))
			return
		}
		r.println(SuccessStyle.Render(msg))
	case client.NoticeEvent:
		if e.Warning {
			r.println(WarningStyle.Render(e.Text))
			return
		}
		r.println(NoticeStyle.Render(e.Text))
	case client.RoomEvent:
		r.println(NoticeStyle.Render("You are now in " + e.Room))
	case client.InviteEvent:
		r.println(NoticeStyle.Render(fmt.Sprintf("You were invited to %s. Type /join %s to enter", e.Room, e.Room)))
	case client.JoinRequestEvent:
		r.println(NoticeStyle.Render(fmt.Sprintf("%s wants to join %s. /accept %s or /decline %s", e.Nickname, e.Room, e.Nickname, e.Nickname)))
	case client.FileAckEvent:
		r.println(NoticeStyle.Render(e.Nickname + " received your file"))
	case client.KickedEvent:
		r.println(WarningStyle.Render("You were kicked back to main"))
	case client.ClearEvent:
		fmt.Fprint(r, "\033[H\033[2J")
	}
}
