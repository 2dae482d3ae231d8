package main

import (
	"context"
	"fmt"
	"strings"
)

type threadsCmd struct {
	List threadsListCmd `cmd:"" default:"1" help:"List conversations, newest first."`
	Show threadsShowCmd `cmd:"" help:"Print one conversation."`
	Rm   threadsRmCmd   `cmd:"" help:"Delete a conversation."`
}

type threadsListCmd struct{}

func (threadsListCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}

	threads, err := client.ListThreads(context.Background(), a.cli.Doc)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("no conversations")
		return nil
	}
	for _, summary := range threads {
		fmt.Printf("%s  %s  %s\n", summary.ID, summary.UpdatedAt, summary.Title)
	}
	return nil
}

type threadsShowCmd struct {
	ID string `arg:"" help:"Thread id."`
}

func (c threadsShowCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}

	thread, err := client.GetThread(context.Background(), a.cli.Doc, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", thread.ID, thread.Title)
	for _, msg := range thread.Messages {
		fmt.Printf("\n[%s]\n", msg.Role)
		if msg.Thinking != "" {
			fmt.Printf("(thinking) %s\n", msg.Thinking)
		}
		for _, round := range msg.ExecutedRounds {
			for _, call := range round.ToolCalls {
				fmt.Printf("(ran) %s %s\n", call.Name, call.Arguments)
			}
		}
		for _, call := range msg.ToolCalls {
			status := "pending"
			if call.Approved != nil {
				if *call.Approved {
					status = "approved"
				} else {
					status = "denied"
				}
			}
			fmt.Printf("(tool %s) %s %s\n", status, call.Name, call.Arguments)
		}
		if text := msg.ContentText(); text != "" {
			fmt.Println(text)
		}
	}
	if len(thread.Extraction) > 0 {
		fmt.Printf("\nextraction: %s\n", string(thread.Extraction))
	}
	return nil
}

type threadsRmCmd struct {
	ID string `arg:"" help:"Thread id."`
}

func (c threadsRmCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}
	if err := client.DeleteThread(context.Background(), a.cli.Doc, c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.ID)
	return nil
}

type toolsCmd struct{}

func (toolsCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}

	catalog, err := client.ListTools(context.Background(), a.cli.Doc)
	if err != nil {
		return err
	}
	fmt.Println("read-only (no approval needed):")
	for _, name := range catalog.ReadOnly {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("read-write (approval required):")
	for _, name := range catalog.ReadWrite {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

type modelsCmd struct{}

func (modelsCmd) Run(a *appContext) error {
	client, err := a.apiClient()
	if err != nil {
		return err
	}
	models, err := client.ListModels(context.Background())
	if err != nil {
		return err
	}
	for _, model := range models {
		fmt.Println(model)
	}
	return nil
}

type policyCmd struct {
	Show      policyShowCmd      `cmd:"" default:"1" help:"Show auto-approved tools for the active document."`
	Allow     policyAllowCmd     `cmd:"" help:"Toggle auto-approval for one tool."`
	Reset     policyResetCmd     `cmd:"" help:"Clear the auto-approval policy."`
	EnableAll policyEnableAllCmd `cmd:"" name:"enable-all" help:"Auto-approve every read-write tool in the catalog."`
}

type policyShowCmd struct{}

func (policyShowCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	ctx := context.Background()
	pol, store, err := a.openPolicy(ctx, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	tools := pol.AutoApproved()
	if len(tools) == 0 {
		fmt.Println("no auto-approved tools")
		return nil
	}
	fmt.Println(strings.Join(tools, "\n"))
	return nil
}

type policyAllowCmd struct {
	Tool string `arg:"" help:"Tool name to toggle."`
}

func (c policyAllowCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	ctx := context.Background()
	pol, store, err := a.openPolicy(ctx, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := pol.Toggle(ctx, c.Tool); err != nil {
		return err
	}
	if pol.IsAutoApproved(c.Tool) {
		fmt.Printf("%s: auto-approved\n", c.Tool)
	} else {
		fmt.Printf("%s: approval required\n", c.Tool)
	}
	return nil
}

type policyResetCmd struct{}

func (policyResetCmd) Run(a *appContext) error {
	if err := a.requireDoc(); err != nil {
		return err
	}
	ctx := context.Background()
	pol, store, err := a.openPolicy(ctx, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := pol.Reset(ctx); err != nil {
		return err
	}
	fmt.Println("policy cleared")
	return nil
}

type policyEnableAllCmd struct{}

func (policyEnableAllCmd) Run(a *appContext) error {
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

	if err := pol.EnableAll(ctx); err != nil {
		return err
	}
	fmt.Println(strings.Join(pol.AutoApproved(), "\n"))
	return nil
}
