package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvieira/mercurio/internal/client"
)

var (
	addr    string
	asJSON  bool
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "mercurioctl",
		Short:         "Operator CLI for a mercurio node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7420", "base URL of the node")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(deadletterCmd(), historyCmd(), transitionCmd(), presenceCmd(), heartbeatCmd(), ackCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func deadletterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and act on dead-lettered retry jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(_ *cobra.Command, _ []string) error {
			rctx, stop := ctx()
			defer stop()

			jobs, err := client.New(addr).DeadLetters(rctx)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println("no dead-lettered jobs")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  %s  attempts=%d  %s\n", j.ID, j.Kind, j.Attempts, j.LastError)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Return a dead-lettered job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			if err := client.New(addr).RetryDeadLetter(rctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s requeued\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a dead-lettered job permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			if err := client.New(addr).DiscardDeadLetter(rctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s discarded\n", args[0])
			return nil
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Pull committed messages after a sequence cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			msgs, err := client.New(addr).History(rctx, args[0], after, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(msgs)
			}
			for _, m := range msgs {
				fmt.Printf("%4d  %-16s  %s\n", m.Seq, m.SenderID, m.Payload)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return messages with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum messages to return")
	return cmd
}

func transitionCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "transition <order-id> <state>",
		Short: "Move an order to a target state",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			o, err := client.New(addr).Transition(rctx, args[0], actor, args[1])
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(o)
			}
			fmt.Printf("order %s is now %s\n", o.ID, o.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "identity performing the transition")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func presenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presence <identity>",
		Short: "Show where an identity is currently reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			p, err := client.New(addr).Presence(rctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(p)
			}
			if !p.Online {
				fmt.Printf("%s is offline\n", p.Identity)
				return nil
			}
			fmt.Printf("%s is online on %v\n", p.Identity, p.Nodes)
			return nil
		},
	}
}

func heartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <identity>",
		Short: "Mark an identity as present on this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rctx, stop := ctx()
			defer stop()
			return client.New(addr).Heartbeat(rctx, args[0])
		},
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <conversation-id> <seq> <recipient-id>",
		Short: "Acknowledge delivery of a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("seq must be an integer: %w", err)
			}
			rctx, stop := ctx()
			defer stop()
			return client.New(addr).Ack(rctx, args[0], seq, args[2])
		},
	}
}
