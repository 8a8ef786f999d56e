package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/auth"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/config"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/eventbus"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	now         = time.Now
	httpClient  = telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	newConsumer = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) { return eventbus.NewKafkaConsumer(cfg) }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		stop()
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "token":
		return issueToken(args[1:], out)
	case "hash-panic":
		return hashPanic(args[1:], out)
	case "check-policy":
		return checkPolicy(args[1:], out)
	case "get", "list", "timelock", "dispute", "reputation":
		return query(ctx, args[0], args[1:], out)
	case "tail":
		return tail(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "escrowctl commands:")
	fmt.Fprintln(out, "  token --subject alice [--roles admin] [--ttl 1h]   (secret from AUTH_HS256_SECRET)")
	fmt.Fprintln(out, "  hash-panic --code <panic code>")
	fmt.Fprintln(out, "  check-policy --file policy.yaml")
	fmt.Fprintln(out, "  get|timelock|dispute --escrow <id> [--addr URL] [--token JWT]")
	fmt.Fprintln(out, "  list [--party <id>] | reputation --user <id>")
	fmt.Fprintln(out, "  tail --brokers host:9092 [--topic escrow.events] [--group escrowctl] [--limit N]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func issueToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	subject := fs.String("subject", "", "token subject")
	roles := fs.String("roles", "", "comma separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", env("AUTH_ISSUER", ""), "issuer claim")
	audience := fs.String("audience", env("AUTH_AUDIENCE", ""), "audience claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv("AUTH_HS256_SECRET")
	if *subject == "" || secret == "" {
		return errors.New("subject and AUTH_HS256_SECRET required")
	}
	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	token, err := auth.IssueHS256Token(secret, *subject, *issuer, *audience, roleList, now(), *ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func hashPanic(args []string, out io.Writer) error {
	fs := newFlagSet("hash-panic")
	code := fs.String("code", "", "panic code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*code) == "" {
		return errors.New("code required")
	}
	fmt.Fprintln(out, escrow.HashPanicCode(*code))
	return nil
}

func checkPolicy(args []string, out io.Writer) error {
	fs := newFlagSet("check-policy")
	file := fs.String("file", "", "policy file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("file required")
	}
	policy, err := config.Load(*file)
	if err != nil {
		return err
	}
	return writeJSON(out, policy)
}

func query(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := newFlagSet(cmd)
	addr := fs.String("addr", env("ESCROW_ADDR", "http://localhost:8080"), "gateway address")
	token := fs.String("token", env("ESCROW_TOKEN", ""), "bearer token")
	escrowID := fs.String("escrow", "", "escrow id")
	party := fs.String("party", "", "party filter for list")
	user := fs.String("user", "", "user for reputation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var path string
	switch cmd {
	case "list":
		path = "/v1/escrows"
		if *party != "" {
			path += "?party=" + url.QueryEscape(*party)
		}
	case "reputation":
		if *user == "" {
			return errors.New("user required")
		}
		path = "/v1/reputation/" + url.PathEscape(*user)
	default:
		if *escrowID == "" {
			return errors.New("escrow required")
		}
		path = "/v1/escrows/" + url.PathEscape(*escrowID)
		if cmd != "get" {
			path += "/" + cmd
		}
	}
	headers := map[string]string{}
	if *token != "" {
		headers["Authorization"] = "Bearer " + *token
	}
	var body json.RawMessage
	if err := httpx.DoJSON(ctx, httpClient, http.MethodGet, strings.TrimRight(*addr, "/")+path, nil, &body, headers, 1, 200*time.Millisecond); err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.Body.Error != "" {
			return fmt.Errorf("%s: %s (%d)", cmd, se.Body.Error, se.Status)
		}
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return writeJSON(out, body)
}

// tail prints escrow events from the bus, one JSON line each, until ctx ends
// or limit events have been read.
func tail(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", env("KAFKA_BROKERS", ""), "comma separated brokers")
	topic := fs.String("topic", env("KAFKA_ESCROW_TOPIC", "escrow.events"), "topic")
	group := fs.String("group", "escrowctl", "consumer group")
	escrowID := fs.String("escrow", "", "only show this escrow")
	limit := fs.Int("limit", 0, "stop after N events (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newConsumer(eventbus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()
	enc := json.NewEncoder(out)
	seen := 0
	for *limit <= 0 || seen < *limit {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		evt, err := eventbus.Decode(msg)
		if err != nil {
			log.Printf("escrowctl: skip undecodable message %q: %v", msg.Key, err)
			continue
		}
		if *escrowID != "" && evt.EscrowID != *escrowID {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		seen++
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
