// Command attendctl is the administrative CLI: it mints QR credentials and
// operator tokens and maintains rooms, sessions and subjects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/store"
)

const usage = `usage: attendctl <command> [flags]

commands:
  credential  issue a QR credential for a subject
  verify      check a credential and print its claims
  token       mint an operator or device access token
  room        create or update a room
  session     add a weekly session to a room
  subject     create or update a subject
  counters    print a room's counters for a day
  seed        load development data
`

func main() {
	if err := run(context.Background(), config.Load(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("see attendctl -h")

func run(ctx context.Context, cfg config.App, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)

	switch cmd {
	case "credential":
		subject := fs.String("subject", "", "subject id")
		ttl := fs.Duration("ttl", cfg.CredentialTTL, "credential lifetime")
		check := fs.Bool("check", true, "require the subject to exist and be active")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *check {
			err := withRepo(ctx, cfg, func(repo *attendance.Repository) error {
				s, err := repo.Subject(ctx, *subject)
				if err != nil {
					return err
				}
				if s == nil || !s.Active {
					return fmt.Errorf("unknown or inactive subject %q", *subject)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		codec, err := credential.NewCodec([]byte(cfg.CredentialSecret))
		if err != nil {
			return err
		}
		tok, err := codec.Issue(*subject, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok)
		return nil

	case "verify":
		token := fs.String("token", "", "credential to verify")
		if err := fs.Parse(args); err != nil {
			return err
		}
		codec, err := credential.NewCodec([]byte(cfg.CredentialSecret))
		if err != nil {
			return err
		}
		claims, err := codec.Verify(strings.TrimSpace(*token))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "subject=%s issued=%s expires=%s\n",
			claims.SubjectID, claims.IssuedAt.Format(time.RFC3339), claims.ExpiresAt.Format(time.RFC3339))
		return nil

	case "token":
		sub := fs.String("sub", "", "device or operator id")
		role := fs.String("role", auth.RoleViewer, "admin|scanner|viewer")
		ttl := fs.Duration("ttl", cfg.AccessTTL, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		tok, err := auth.Issue(*sub, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok.AccessToken)
		return nil

	case "room":
		id := fs.String("id", "", "room id")
		name := fs.String("name", "", "display name")
		inactive := fs.Bool("inactive", false, "mark the room inactive")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return withRepo(ctx, cfg, func(repo *attendance.Repository) error {
			return repo.UpsertRoom(ctx, attendance.Room{ID: *id, Name: *name, Active: !*inactive})
		})

	case "session":
		room := fs.String("room", "", "room id")
		day := fs.String("weekday", "", "mon..sun")
		start := fs.String("start", "", "HH:MM")
		end := fs.String("end", "", "HH:MM")
		if err := fs.Parse(args); err != nil {
			return err
		}
		wd, err := parseWeekday(*day)
		if err != nil {
			return err
		}
		s, err := parseClock(*start)
		if err != nil {
			return err
		}
		e, err := parseClock(*end)
		if err != nil {
			return err
		}
		return withRepo(ctx, cfg, func(repo *attendance.Repository) error {
			return repo.AddSession(ctx, *room, attendance.Session{Weekday: wd, StartMinute: s, EndMinute: e})
		})

	case "subject":
		id := fs.String("id", "", "subject id")
		name := fs.String("name", "", "display name")
		inactive := fs.Bool("inactive", false, "mark the subject inactive")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return withRepo(ctx, cfg, func(repo *attendance.Repository) error {
			return repo.UpsertSubject(ctx, attendance.Subject{ID: *id, DisplayName: *name, Active: !*inactive})
		})

	case "counters":
		room := fs.String("room", "", "room id")
		day := fs.String("day", "", "YYYY-MM-DD, default today")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *day == "" {
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			*day = time.Now().In(loc).Format(attendance.DayLayout)
		}
		return withRepo(ctx, cfg, func(repo *attendance.Repository) error {
			c, err := repo.Counters(ctx, *room, *day)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "room=%s day=%s present=%d late=%d total=%d\n", c.RoomID, c.Day, c.Present, c.Late, c.Total)
			return nil
		})

	case "seed":
		if err := fs.Parse(args); err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return store.SeedDev(ctx, db)
	}

	fmt.Fprint(out, usage)
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func openStore(ctx context.Context, cfg config.App) (*store.DB, error) {
	return store.Open(ctx, store.Config{Driver: store.Driver(cfg.DBDriver), Path: cfg.DBPath, URL: cfg.DatabaseURL})
}

func withRepo(ctx context.Context, cfg config.App, fn func(*attendance.Repository) error) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	w := store.NewWorker(db.Client)
	defer w.Close()
	return fn(attendance.NewRepository(db, w))
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// parseClock turns HH:MM into minutes after midnight. 24:00 is allowed as
// an end time.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}
