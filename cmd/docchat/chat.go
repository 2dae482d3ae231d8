package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/toval/docchat/internal/chat"
	"github.com/toval/docchat/internal/policy"
	"github.com/toval/docchat/internal/wire"
)

type chatCmd struct {
	Thread      string `help:"Resume an existing thread id."`
	Buffered    bool   `help:"Disable streaming; wait for the full response."`
	AutoApprove bool   `name:"auto-approve" help:"Approve every tool call without asking."`
}

func (c chatCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pol, store, err := a.openPolicy(ctx, client)
	if err != nil {
		return err
	}
	defer store.Close()
	if c.AutoApprove {
		pol.SetApproveAll(true)
	}

	controller, err := chat.NewController(chat.Options{
		API:        client,
		DocumentID: a.cli.Doc,
		Model:      a.cli.Model,
		Streaming:  !c.Buffered,
		Policy:     pol,
		Logger:     a.logger.With("component", "chat"),
		OnTextChunk: func(chunk string) {
			fmt.Print(chunk)
		},
	})
	if err != nil {
		return err
	}

	if c.Thread != "" {
		if err := controller.LoadThread(ctx, c.Thread); err != nil {
			return err
		}
		printHistory(controller.Messages())
	}

	fmt.Println("docchat — /new starts a fresh conversation, /quit exits")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			controller.NewConversation()
			fmt.Println("started a new conversation")
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %s\n", line)
			continue
		}

		if err := c.runUserTurn(ctx, a, controller, pol, scanner, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// runUserTurn sends one message and walks the approval loop until the
// turn settles.
func (c chatCmd) runUserTurn(ctx context.Context, a *appContext, controller *chat.Controller, pol *policy.Policy, scanner *bufio.Scanner, line string) error {
	if err := controller.SendMessage(ctx, line, nil); err != nil {
		if errors.Is(err, chat.ErrTurnPending) {
			return errors.New("tool calls are awaiting approval; decide them first")
		}
		return err
	}
	fmt.Println()

	for {
		pending := controller.PendingToolCalls()
		if len(pending) == 0 {
			return nil
		}

		approvals := make([]wire.Approval, 0, len(pending))
		for _, call := range pending {
			decision, always, err := promptDecision(scanner, call)
			if err != nil {
				return err
			}
			if always {
				if err := pol.Add(ctx, call.Name); err != nil {
					a.logger.Warn("persist policy", "error", err)
				}
			}
			approvals = append(approvals, wire.Approval{CallID: call.ID, Approved: decision})
		}

		if err := controller.ApproveToolCalls(ctx, approvals); err != nil {
			return err
		}
		if msg := controller.Err(); msg != "" {
			return errors.New(msg)
		}
		if len(controller.PendingToolCalls()) == 0 {
			if last := lastAssistantText(controller.Messages()); last != "" {
				fmt.Println(last)
			}
		}
	}
}

func promptDecision(scanner *bufio.Scanner, call wire.ToolCall) (approved, always bool, err error) {
	for {
		fmt.Printf("tool %s %s\napprove? [y]es / [n]o / [a]lways: ", call.Name, call.Arguments)
		if !scanner.Scan() {
			return false, false, scanner.Err()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes":
			return true, false, nil
		case "n", "no":
			return false, false, nil
		case "a", "always":
			return true, true, nil
		}
	}
}

func printHistory(messages []wire.Message) {
	for _, msg := range messages {
		if text := msg.ContentText(); text != "" {
			fmt.Printf("[%s] %s\n", msg.Role, text)
		}
	}
}

func lastAssistantText(messages []wire.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleAssistant {
			return messages[i].ContentText()
		}
	}
	return ""
}
