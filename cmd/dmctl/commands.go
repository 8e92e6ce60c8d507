package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and active conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			resp, err := g.client.Status(ctx)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(resp)
			}
			f := resp.GetFields()
			fmt.Printf("Profile: %s\n", str(f, "profile"))
			state := str(f, "state")
			if r := str(f, "state_reason"); r != "" {
				state += " (" + r + ")"
			}
			fmt.Printf("Status:  %s\n", state)
			if u := str(f, "user_id"); u != "" {
				fmt.Printf("User:    %s\n", u)
			}
			fmt.Printf("Push:    %v\n", f["push_connected"].GetBoolValue())
			fmt.Printf("Uptime:  %s\n", (time.Duration(num(f, "uptime_ms")) * time.Millisecond).String())
			for _, v := range f["active"].GetListValue().GetValues() {
				e := v.GetStructValue().GetFields()
				line := fmt.Sprintf("  %-24s %-10s cursor=%d/%d", str(e, "conversation_id"), str(e, "phase"), num(e, "cursor_ts"), num(e, "cursor_id"))
				if n := num(e, "failures"); n > 0 {
					line += fmt.Sprintf(" failures=%d error=%q", n, str(e, "last_error"))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func loginCmd(g *globals) *cobra.Command {
	var token, username, password string
	var register bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Install a credential, from a token or a username and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := map[string]any{}
			switch {
			case token != "":
				args["token"] = token
			case username != "" && password != "":
				args["username"] = username
				args["password"] = password
				args["register"] = register
			default:
				return errors.New("either --token or --username and --password is required")
			}
			ctx, cancel := g.ctx()
			defer cancel()
			resp, err := g.client.Call(ctx, api.MethodLogin, args)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(resp)
			}
			fmt.Printf("Signed in as %s\n", str(resp.GetFields(), "user_id"))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", os.Getenv("DMSYNC_PASSWORD"), "account password")
	cmd.Flags().BoolVar(&register, "register", false, "create the account first")
	return cmd
}

func logoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the credential; sync pauses until the next login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			if _, err := g.client.Call(ctx, api.MethodLogout, nil); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

// conversationCmd builds a command whose only argument is a conversation id
// and which prints the resulting summary.
func conversationCmd(g *globals, use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			resp, err := g.client.Conversation(ctx, method, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(resp)
			}
			printSummary(resp.GetFields())
			return nil
		},
	}
}

func sendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <text...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			tempID, err := g.client.Send(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(map[string]any{"client_temp_id": tempID})
			}
			fmt.Printf("Queued %s\n", tempID)
			return nil
		},
	}
}

func sendActionCmd(g *globals, use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client-temp-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			if _, err := g.client.Call(ctx, method, map[string]any{"client_temp_id": args[0]}); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", use, args[0])
			return nil
		},
	}
}

func summariesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "summaries",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			resp, err := g.client.Call(ctx, api.MethodSummaries, nil)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(resp)
			}
			list := resp.GetFields()["summaries"].GetListValue().GetValues()
			if len(list) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, v := range list {
				printSummary(v.GetStructValue().GetFields())
			}
			return nil
		},
	}
}

func logCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "log <conversation>",
		Short: "Print a conversation with its unconfirmed sends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx()
			defer cancel()
			resp, err := g.client.Conversation(ctx, api.MethodLog, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(resp)
			}
			for _, v := range resp.GetFields()["items"].GetListValue().GetValues() {
				it := v.GetStructValue().GetFields()
				ts := time.UnixMilli(num(it, "timestamp")).Format("2006-01-02 15:04:05")
				switch kind := str(it, "kind"); kind {
				case "confirmed":
					fmt.Printf("%s  %-12s %s\n", ts, str(it, "sender_id"), str(it, "body"))
				default:
					fmt.Printf("%s  %-12s %s  [%s %s]\n", ts, "(me)", str(it, "body"), kind, str(it, "client_temp_id"))
				}
			}
			return nil
		},
	}
}

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [prefix]",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			recv, err := g.client.Watch(ctx, prefix)
			if err != nil {
				return err
			}
			for {
				evt, err := recv()
				if err != nil {
					if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
						return nil
					}
					return err
				}
				if g.json {
					if err := outputJSON(evt); err != nil {
						return err
					}
					continue
				}
				m := evt.AsMap()
				at := time.UnixMilli(num(evt.GetFields(), "timestamp")).Format("15:04:05.000")
				kind := m["kind"]
				delete(m, "kind")
				delete(m, "timestamp")
				rest, _ := json.Marshal(m)
				fmt.Printf("%s %-28v %s\n", at, kind, rest)
			}
		},
	}
}

func printSummary(f map[string]*structpb.Value) {
	flags := ""
	if f["active"].GetBoolValue() {
		flags += " active"
	}
	if f["has_unconfirmed_send"].GetBoolValue() {
		flags += " sending"
	}
	latest := ""
	if l := f["latest"].GetStructValue(); l != nil {
		lf := l.GetFields()
		latest = fmt.Sprintf("%s: %s", str(lf, "sender_id"), str(lf, "body"))
	}
	fmt.Printf("%-24s unread=%-3d%s  %s\n", str(f, "conversation_id"), num(f, "unread_count"), flags, latest)
}

func str(f map[string]*structpb.Value, key string) string {
	return f[key].GetStringValue()
}

func num(f map[string]*structpb.Value, key string) int64 {
	return int64(f[key].GetNumberValue())
}

func outputJSON(v any) error {
	if s, ok := v.(*structpb.Struct); ok {
		v = s.AsMap()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
