package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"galleryindex/pkg/client"
)

const Prompt = "gallery> "

type cliArgs struct {
	API      string        `arg:"-a,--api" default:"http://localhost:8080" help:"HTTP API base URL"`
	Transfer string        `arg:"-t,--transfer" default:"localhost:12221" help:"device transfer server address"`
	Timeout  time.Duration `arg:"--handshake-timeout" default:"5s" help:"transfer handshake timeout"`
}

var (
	errText  = color.New(color.FgHiRed).Sprint
	okText   = color.New(color.FgHiGreen).Sprint
	dimText  = color.New(color.FgHiBlack).Sprint
	promptFn = color.New(color.FgHiCyan).Sprint
)

type session struct {
	args     cliArgs
	http     *http.Client
	transfer *client.Client
}

func main() {
	var args cliArgs
	arg.MustParse(&args)

	fmt.Printf("Gallery index CLI (API: %s, transfer: %s)\n", args.API, args.Transfer)
	s := &session{args: args, http: &http.Client{Timeout: 30 * time.Second}}
	defer s.closeTransfer()
	fmt.Println("Type 'help' for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptFn(Prompt))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		rest := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))

		switch cmd {
		case "search", "s":
			s.handleSearch(rest)
		case "suggest":
			s.handleSuggest(rest)
		case "page":
			s.handlePage(parts[1:])
		case "fav":
			s.handleFav(parts[1:])
		case "connect":
			s.connect()
		case "ping":
			s.handlePing()
		case "list":
			s.handleList()
		case "help":
			printHelp()
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Printf("Unknown command: '%s'. Type 'help'.\n", cmd)
		}
	}
}

func (s *session) handleSearch(q string) {
	var resp struct {
		Total     int      `json:"total"`
		IDs       []uint32 `json:"ids"`
		LatencyMS int64    `json:"latency_ms"`
	}
	if err := s.getJSON("/api/search", url.Values{"q": {q}}, &resp); err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	fmt.Printf("%s galleries (%s)\n", okText(humanize.Comma(int64(resp.Total))), dimText(time.Duration(resp.LatencyMS)*time.Millisecond))
	printIDs(resp.IDs, resp.Total)
}

func (s *session) handleSuggest(text string) {
	if text == "" {
		fmt.Println("Usage: suggest <partial tag>")
		return
	}
	var resp struct {
		Suggestions []struct {
			Query string `json:"query"`
			Count int64  `json:"count"`
		} `json:"suggestions"`
	}
	if err := s.getJSON("/api/suggest", url.Values{"q": {text}}, &resp); err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	if len(resp.Suggestions) == 0 {
		fmt.Println(dimText("(no suggestions)"))
		return
	}
	for _, sg := range resp.Suggestions {
		fmt.Printf("  %-40s %s\n", sg.Query, dimText(humanize.Comma(sg.Count)))
	}
}

func (s *session) handlePage(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: page <tag> <language> [offset] [limit]")
		return
	}
	params := url.Values{"tag": {parts[0]}, "lang": {parts[1]}}
	if len(parts) > 2 {
		params.Set("offset", parts[2])
	}
	if len(parts) > 3 {
		params.Set("limit", parts[3])
	}
	var resp struct {
		Offset int      `json:"offset"`
		Total  int      `json:"total"`
		IDs    []uint32 `json:"ids"`
	}
	if err := s.getJSON("/api/page", params, &resp); err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	fmt.Printf("%d-%d of %s\n", resp.Offset, resp.Offset+len(resp.IDs), okText(humanize.Comma(int64(resp.Total))))
	printIDs(resp.IDs, len(resp.IDs))
}

func (s *session) handleFav(parts []string) {
	if len(parts) < 1 {
		fmt.Println("Usage: fav <gallery_id>")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		fmt.Println(errText("Error: gallery id must be an integer"))
		return
	}
	body, _ := json.Marshal(map[string]interface{}{"kind": "favorite", "source": "hitomi", "item_id": id})
	resp, err := s.http.Post(s.args.API+"/api/library", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		fmt.Println(errText("Error: ", resp.Status, " ", strings.TrimSpace(string(msg))))
		return
	}
	fmt.Println(okText("OK"))
}

func (s *session) connect() bool {
	s.closeTransfer()
	start := time.Now()
	c, err := client.Dial(context.Background(), s.args.Transfer, client.Options{HandshakeTimeout: s.args.Timeout})
	if err != nil {
		fmt.Println(errText("Connection failed: ", err))
		return false
	}
	s.transfer = c
	fmt.Printf("%s %s (%v)\n", okText("Connected to"), s.args.Transfer, time.Since(start))
	return true
}

// ready returns a Ready transfer client, dialing when there is none.
func (s *session) ready() *client.Client {
	if s.transfer != nil && s.transfer.State() == client.StateReady {
		return s.transfer
	}
	if s.transfer != nil {
		fmt.Println(dimText("Transfer connection closed, reconnecting..."))
	}
	if !s.connect() {
		return nil
	}
	return s.transfer
}

func (s *session) handlePing() {
	c := s.ready()
	if c == nil {
		return
	}
	start := time.Now()
	if err := c.Ping(context.Background()); err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	fmt.Printf("PONG (%v)\n", time.Since(start))
}

func (s *session) handleList() {
	c := s.ready()
	if c == nil {
		return
	}
	list, err := c.List(context.Background())
	if err != nil {
		fmt.Println(errText("Error: ", err))
		return
	}
	fmt.Printf("  favorites  %s\n  history    %s\n  downloads  %s\n",
		humanize.Comma(int64(list.Favorites)), humanize.Comma(int64(list.History)), humanize.Comma(int64(list.Downloads)))
}

func (s *session) closeTransfer() {
	if s.transfer != nil {
		s.transfer.Close()
		s.transfer = nil
	}
}

func (s *session) getJSON(path string, params url.Values, v interface{}) error {
	resp, err := s.http.Get(s.args.API + path + "?" + params.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s", e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printIDs(ids []uint32, total int) {
	const perLine = 8
	for i, id := range ids {
		if i%perLine == 0 {
			fmt.Print("  ")
		}
		fmt.Printf("%-10d", id)
		if i%perLine == perLine-1 || i == len(ids)-1 {
			fmt.Println()
		}
	}
	if total > len(ids) {
		fmt.Println(dimText(fmt.Sprintf("  ... and %s more", humanize.Comma(int64(total-len(ids))))))
	}
}

func printHelp() {
	fmt.Println(`
Commands:
  search <query>                       Evaluate a query, e.g. 'loli -female:anal language:korean'
  suggest <text>                       Autocomplete a tag, e.g. 'female:lo'
  page <tag> <lang> [offset] [limit]   Read a raw nozomi list, e.g. 'page index all 0 25'
  fav <id>                             Add a gallery to favorites
  connect                              (Re)connect to the transfer server
  ping                                 Send PING over the transfer connection
  list                                 Ask the transfer server for its library counts
  exit                                 Exit CLI
	`)
}
