package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/syncclient"
	"github.com/mcdev12/planningpoker/go/internal/voting"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const help = `commands:
  group <name>      select the group the next vote is for
  vote <value>      pick a card (again to clear it)
  submit            send your votes
  skip              submit without voting
  name <name>       rename yourself
  toggle <group>    join or leave a group
  start             admin: open a new round
  reveal            admin: show results
  wait              admin: back to the lobby
  task <text>       admin: set the task
  close             admin: delete the room for everyone
  status            show the room
  quit              leave`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := syncclient.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client config")
	}

	user := models.User{
		ID:     os.Getenv("POKER_USER_ID"),
		Name:   os.Getenv("POKER_NAME"),
		Groups: parseGroups(getEnv("POKER_GROUPS", string(models.GroupGeneral))),
	}
	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client, err := syncclient.New(cfg, user, syncclient.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var room *models.RoomState
	if code := os.Getenv("POKER_ROOM"); code != "" {
		room, err = client.Join(ctx, code)
	} else {
		room, err = client.CreateRoom(ctx)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to enter room")
	}
	fmt.Printf("room %s (%s)\n%s\n", room.Code, room.Phase, help)

	go printEvents(ctx, client)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(ctx, client, line); quit {
				return
			}
		}
	}
}

func handle(ctx context.Context, c *syncclient.Client, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "":
		return false
	case "group":
		err = c.SelectGroup(models.Group(arg))
	case "vote":
		err = c.Vote(models.Value(arg))
	case "submit":
		err = c.SubmitVotes(ctx)
	case "skip":
		err = c.Skip(ctx)
	case "name":
		err = c.SetName(arg)
	case "toggle":
		err = c.ToggleGroup(models.Group(arg))
	case "start":
		err = c.StartVoting(ctx)
	case "reveal":
		err = c.Reveal(ctx)
	case "wait":
		err = c.BackToWaiting(ctx)
	case "task":
		err = c.SetTask(ctx, arg)
	case "close":
		if err = c.DeleteRoom(ctx); err == nil {
			fmt.Println("room closed")
			return true
		}
	case "status":
		printView(c.Snapshot())
	case "quit", "exit":
		return true
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func printEvents(ctx context.Context, c *syncclient.Client) {
	var lastPhase models.Phase
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.Events():
			switch e.Type {
			case syncclient.EventRoundStarted:
				fmt.Println("new round started, pick your cards")
			case syncclient.EventStatusChanged:
				fmt.Println("connection:", e.Status)
			case syncclient.EventRoomNotFound:
				fmt.Printf("room %s doesn't exist anymore\n", e.Code)
			case syncclient.EventRoomUpdated:
				if e.Room.Phase == models.PhaseReveal && lastPhase != models.PhaseReveal {
					printResults(e.Room)
				}
				lastPhase = e.Room.Phase
			}
		}
	}
}

func printView(v syncclient.View) {
	if v.Room == nil {
		fmt.Println("not in a room")
		return
	}
	fmt.Printf("room %s  phase %s  task %q  status %s\n", v.Code, v.Room.Phase, v.Room.CurrentTask, v.Status)
	for _, u := range v.Room.Users {
		fmt.Printf("  %s %v admin=%t\n", u.Name, u.Groups, u.IsAdmin)
	}
	if v.SelectedGroup != "" {
		fmt.Println("selected group:", v.SelectedGroup)
	}
	for g, val := range v.Selections {
		fmt.Printf("  %s: %s\n", g, val)
	}
	if v.IsAdmin {
		counters := voting.CountProgress(voting.Progress(v.Room.Users, v.Room.Votes, v.Room.Submissions))
		fmt.Printf("progress: %d/%d submitted (%.0f%%)\n", counters.Submitted, counters.Total, counters.Percent)
	}
}

func printResults(room *models.RoomState) {
	summary := voting.Summarize(room)
	for _, g := range summary.Groups {
		values := make([]string, 0, len(g.Counts))
		for v, n := range g.Counts {
			values = append(values, fmt.Sprintf("%s×%d", v, n))
		}
		sort.Strings(values)
		fmt.Printf("%s: median %s (%s)\n", g.Group, g.Median, strings.Join(values, " "))
	}
	fmt.Println("overall median:", summary.OverallMedian)
}

func parseGroups(s string) []models.Group {
	var groups []models.Group
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			groups = append(groups, models.Group(part))
		}
	}
	return groups
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
